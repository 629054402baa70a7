package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"paid_channel/internal/model"
	"paid_channel/internal/store"
)

// Verb 审核动作。
type Verb string

const (
	VerbApprove      Verb = "approve"
	VerbReject       Verb = "reject"
	VerbRejectSilent Verb = "reject_silent"
)

// Action 是审核按钮携带的标识：动作 + (channel, user, tariff)，不含订单 ID。
type Action struct {
	Verb Verb
	Key  model.OrderKey
}

// String 编码为 approve_<channel>_<user>_<tariff>。频道 ID 为负数，负号保留在字段里。
func (a Action) String() string {
	return fmt.Sprintf("%s_%d_%d_%d", a.Verb, a.Key.ChannelID, a.Key.UserID, a.Key.TariffID)
}

// ParseAction 解析审核标识，格式不对时返回 store.ErrInvalidInput。
func ParseAction(raw string) (Action, error) {
	raw = strings.TrimSpace(raw)

	var verb Verb
	var rest string
	// reject_silent_ 必须先于 reject_ 匹配。
	for _, v := range []Verb{VerbRejectSilent, VerbReject, VerbApprove} {
		if r, ok := strings.CutPrefix(raw, string(v)+"_"); ok {
			verb, rest = v, r
			break
		}
	}
	if verb == "" {
		return Action{}, fmt.Errorf("%w: unknown action %q", store.ErrInvalidInput, raw)
	}

	parts := strings.Split(rest, "_")
	if len(parts) != 3 {
		return Action{}, fmt.Errorf("%w: malformed action %q", store.ErrInvalidInput, raw)
	}
	channelID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || channelID == 0 {
		return Action{}, fmt.Errorf("%w: bad channel in action %q", store.ErrInvalidInput, raw)
	}
	userID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || userID <= 0 {
		return Action{}, fmt.Errorf("%w: bad user in action %q", store.ErrInvalidInput, raw)
	}
	tariffID, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil || tariffID == 0 {
		return Action{}, fmt.Errorf("%w: bad tariff in action %q", store.ErrInvalidInput, raw)
	}
	return Action{
		Verb: verb,
		Key:  model.OrderKey{ChannelID: channelID, UserID: userID, TariffID: uint(tariffID)},
	}, nil
}

// reviewActions 转发给 owner 的三个按钮。
func reviewActions(key model.OrderKey) []Action {
	return []Action{
		{Verb: VerbApprove, Key: key},
		{Verb: VerbReject, Key: key},
		{Verb: VerbRejectSilent, Key: key},
	}
}
