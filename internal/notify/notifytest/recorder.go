// Package notifytest 提供记录调用的 Gateway 假实现。
package notifytest

import (
	"context"
	"fmt"
	"sync"

	"paid_channel/internal/notify"
)

// Call 是一次网关调用的记录。
type Call struct {
	Op        string
	Recipient int64
	ChannelID int64
	UserID    int64
	Text      string
	PhotoRef  string
	Actions   []notify.Action
	ExpiresAt int64
}

// Recorder 记录所有调用；Fail 中登记的操作返回 notify.ErrDelivery。
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	fail  map[string]bool
}

func NewRecorder() *Recorder {
	return &Recorder{fail: map[string]bool{}}
}

// Fail 让指定操作（send_message / send_photo / revoke / invite）之后都失败。
func (r *Recorder) Fail(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[op] = true
}

// Recover 取消 Fail。
func (r *Recorder) Recover(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fail, op)
}

func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsOf 只返回指定操作的记录。
func (r *Recorder) CallsOf(op string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func (r *Recorder) record(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	if r.fail[c.Op] {
		return &notify.DeliveryError{Op: c.Op, Target: c.Recipient, Err: fmt.Errorf("injected failure")}
	}
	return nil
}

func (r *Recorder) SendMessage(_ context.Context, recipientID int64, msg notify.Message) error {
	return r.record(Call{Op: "send_message", Recipient: recipientID, Text: msg.Text, Actions: msg.Actions})
}

func (r *Recorder) SendPhoto(_ context.Context, recipientID int64, photoRef, caption string, actions []notify.Action) error {
	return r.record(Call{Op: "send_photo", Recipient: recipientID, PhotoRef: photoRef, Text: caption, Actions: actions})
}

func (r *Recorder) RevokeMembership(_ context.Context, channelID, userID int64) error {
	return r.record(Call{Op: "revoke", Recipient: userID, ChannelID: channelID, UserID: userID})
}

func (r *Recorder) CreateOneTimeInvite(_ context.Context, channelID, expiresAt int64) (string, error) {
	if err := r.record(Call{Op: "invite", Recipient: channelID, ChannelID: channelID, ExpiresAt: expiresAt}); err != nil {
		return "", err
	}
	return fmt.Sprintf("https://t.me/+invite_%d_%d", channelID, expiresAt), nil
}

var _ notify.Gateway = (*Recorder)(nil)
