package notify

import (
	"errors"
	"fmt"
)

// ErrDelivery 外部投递失败（网络、权限、被用户屏蔽等）。
var ErrDelivery = errors.New("delivery failed")

// DeliveryError 记录失败的操作与目标，errors.Is(err, ErrDelivery) 成立。
type DeliveryError struct {
	Op     string
	Target int64
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s %d: %v", e.Op, e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }

func deliveryErr(op string, target int64, err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Op: op, Target: target, Err: err}
}
