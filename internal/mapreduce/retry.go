package mapreduce

import (
	"context"
	"math"
	"time"
)

// RetryPolicy: 可重试失败的退避策略（值对象）。
type RetryPolicy struct {
	// MaxAttempts: 单次调用的最大尝试次数（含首次），<=0 视为 1。
	MaxAttempts int
	BaseDelay   time.Duration
	// Multiplier: 指数因子，<1 视为 1（固定间隔）。
	Multiplier float64
	// MaxDelay: 单次等待上限，0 表示不封顶。
	MaxDelay time.Duration
}

// DefaultRetryPolicy: 5 次尝试，1s 起步，翻倍，封顶 60s。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute}
}

func (p RetryPolicy) attempts() int {
	return max(p.MaxAttempts, 1)
}

// Delay 返回第 retry 次重试（从 1 起）之前的等待时长。
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	d := float64(p.BaseDelay) * math.Pow(m, float64(retry-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// sleepWithCtx 在等待期间响应 ctx 取消。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
