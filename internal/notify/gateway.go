// Package notify 是生命周期引擎与聊天平台之间的窄接口：发消息、转发凭证、踢人、生成一次性邀请。
// 所有调用失败都以 *DeliveryError 返回，由调用方决定重试策略，不会中断业务流程。
package notify

import (
	"context"
	"fmt"
	"strings"
)

// Action 是消息下方的一个按钮。Data 与 URL 二选一。
type Action struct {
	Text string
	Data string
	URL  string
}

// Message 是一条文本消息。
type Message struct {
	Text    string
	Actions []Action
}

// Gateway 由 Telegram 实现，测试里由 notifytest.Recorder 替代。
type Gateway interface {
	SendMessage(ctx context.Context, recipientID int64, msg Message) error
	SendPhoto(ctx context.Context, recipientID int64, photoRef, caption string, actions []Action) error
	// RevokeMembership 踢出但不永久封禁：先 ban 再 unban，用户之后仍可凭新邀请加入。
	RevokeMembership(ctx context.Context, channelID, userID int64) error
	// CreateOneTimeInvite 生成仅限一人使用、expiresAt（unix 秒）失效的邀请链接。
	CreateOneTimeInvite(ctx context.Context, channelID, expiresAt int64) (string, error)
}

// Links 生成续费深链。
type Links struct {
	BotUsername string
}

// RenewURL 打开机器人并直接进入该频道的档位列表。
func (l Links) RenewURL(channelID int64) string {
	name := strings.TrimPrefix(l.BotUsername, "@")
	return fmt.Sprintf("https://t.me/%s?start=%d", name, channelID)
}
