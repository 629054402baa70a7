// Package clock 提供可注入的时间源，调度器与存储层都通过它取当前时间，测试里可以手动推进。
package clock

import (
	"sync"
	"time"
)

// Clock 返回当前时间。
type Clock interface {
	Now() time.Time
}

// System 使用真实系统时间。
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fake 是测试用的虚拟时钟，只有显式 Set/Advance 才会前进。
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance 向前推进 d。
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
