package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Telegram 基于 Bot API 实现 Gateway。机器人需要是频道管理员（封禁与邀请权限）。
type Telegram struct {
	bot *tgbotapi.BotAPI
}

// NewTelegram 校验 token 并拉取机器人自身信息。
func NewTelegram(token string) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("telegram: empty bot token")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	log.Info().Str("bot", bot.Self.UserName).Msg("telegram gateway ready")
	return &Telegram{bot: bot}, nil
}

// Username 机器人用户名，用于拼续费深链。
func (t *Telegram) Username() string {
	return t.bot.Self.UserName
}

func (t *Telegram) SendMessage(ctx context.Context, recipientID int64, msg Message) error {
	if err := ctx.Err(); err != nil {
		return deliveryErr("send_message", recipientID, err)
	}
	cfg := tgbotapi.NewMessage(recipientID, msg.Text)
	cfg.ParseMode = tgbotapi.ModeHTML
	if kb, ok := keyboard(msg.Actions); ok {
		cfg.ReplyMarkup = kb
	}
	_, err := t.bot.Send(cfg)
	return deliveryErr("send_message", recipientID, err)
}

func (t *Telegram) SendPhoto(ctx context.Context, recipientID int64, photoRef, caption string, actions []Action) error {
	if err := ctx.Err(); err != nil {
		return deliveryErr("send_photo", recipientID, err)
	}
	cfg := tgbotapi.NewPhoto(recipientID, tgbotapi.FileID(photoRef))
	cfg.Caption = caption
	cfg.ParseMode = tgbotapi.ModeHTML
	if kb, ok := keyboard(actions); ok {
		cfg.ReplyMarkup = kb
	}
	_, err := t.bot.Send(cfg)
	return deliveryErr("send_photo", recipientID, err)
}

func (t *Telegram) RevokeMembership(ctx context.Context, channelID, userID int64) error {
	if err := ctx.Err(); err != nil {
		return deliveryErr("revoke", userID, err)
	}
	member := tgbotapi.ChatMemberConfig{ChatID: channelID, UserID: userID}
	if _, err := t.bot.Request(tgbotapi.BanChatMemberConfig{ChatMemberConfig: member}); err != nil {
		return deliveryErr("ban", userID, err)
	}
	if _, err := t.bot.Request(tgbotapi.UnbanChatMemberConfig{ChatMemberConfig: member, OnlyIfBanned: true}); err != nil {
		return deliveryErr("unban", userID, err)
	}
	return nil
}

func (t *Telegram) CreateOneTimeInvite(ctx context.Context, channelID, expiresAt int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", deliveryErr("invite", channelID, err)
	}
	resp, err := t.bot.Request(tgbotapi.CreateChatInviteLinkConfig{
		ChatConfig:  tgbotapi.ChatConfig{ChatID: channelID},
		ExpireDate:  int(expiresAt),
		MemberLimit: 1,
	})
	if err != nil {
		return "", deliveryErr("invite", channelID, err)
	}
	var link tgbotapi.ChatInviteLink
	if err := json.Unmarshal(resp.Result, &link); err != nil {
		return "", deliveryErr("invite", channelID, err)
	}
	if link.InviteLink == "" {
		return "", deliveryErr("invite", channelID, errors.New("empty invite link"))
	}
	return link.InviteLink, nil
}

// keyboard 每个按钮独占一行，与原机器人的审核键盘一致。
func keyboard(actions []Action) (tgbotapi.InlineKeyboardMarkup, bool) {
	if len(actions) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(actions))
	for _, a := range actions {
		if a.URL != "" {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(a.Text, a.URL)))
			continue
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(a.Text, a.Data)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}
