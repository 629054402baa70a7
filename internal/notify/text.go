package notify

import (
	"fmt"
	"html"
	"strings"
	"time"
)

// TimeLayout 面向用户展示的到期时间格式。
const TimeLayout = "02.01.2006 15:04"

// FormatExpiry 把 unix 秒按展示时区格式化；loc 为 nil 时用 UTC。
func FormatExpiry(unix int64, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return time.Unix(unix, 0).In(loc).Format(TimeLayout)
}

// ChannelTitle 频道已被删除或标题为空时回退为 "ID <channel_id>"。
func ChannelTitle(title string, channelID int64) string {
	if strings.TrimSpace(title) == "" {
		return fmt.Sprintf("ID %d", channelID)
	}
	return title
}

func ReminderText(title string, expireAt int64, loc *time.Location) string {
	return fmt.Sprintf(
		"⏳ Your subscription to <b>%s</b> expires at %s.\nRenew now to keep access.",
		html.EscapeString(title), FormatExpiry(expireAt, loc),
	)
}

func ApprovedText(title string, expireAt int64, loc *time.Location, invite string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Payment confirmed. Access to <b>%s</b> until %s.", html.EscapeString(title), FormatExpiry(expireAt, loc))
	if invite != "" {
		fmt.Fprintf(&b, "\nYour personal invite link (single use): %s", invite)
	} else {
		b.WriteString("\nThe invite link could not be created, please contact the channel owner.")
	}
	return b.String()
}

func RejectedText(title, reason string) string {
	text := fmt.Sprintf("❌ Your payment for <b>%s</b> was rejected.", html.EscapeString(title))
	if r := strings.TrimSpace(reason); r != "" {
		text += "\nReason: " + html.EscapeString(r)
	}
	return text
}

func ProofCaption(userID int64, title, tariffTitle string, durationDays int, price int64) string {
	return fmt.Sprintf(
		"💳 New payment proof\nBuyer: <code>%d</code>\nChannel: <b>%s</b>\nTariff: %s (%d days, %d)",
		userID, html.EscapeString(title), html.EscapeString(tariffTitle), durationDays, price,
	)
}
