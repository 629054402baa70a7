package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 频道/档位/订单不存在。
	ErrNotFound = errors.New("record not found")

	// ErrInvalidTransition 条件更新命中 0 行：动作已过期、状态不对或操作人不对。
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrIntegrity 已批准的订单没有对应授权，或授权指向已删除的频道。
	ErrIntegrity = errors.New("data integrity gap")

	// ErrInvalidInput 参数校验失败。
	ErrInvalidInput = errors.New("invalid input")
)

// NotFoundError 携带实体名与键，errors.Is(err, ErrNotFound) 成立。
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func notFound(entity string, format string, args ...any) error {
	return &NotFoundError{Entity: entity, Key: fmt.Sprintf(format, args...)}
}

// TransitionError 描述一次被守卫拒绝的状态变更。
type TransitionError struct {
	ChannelID int64
	UserID    int64
	TariffID  uint
	To        string
	Reason    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %d/%d/%d -> %s: %s", e.ChannelID, e.UserID, e.TariffID, e.To, e.Reason)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
