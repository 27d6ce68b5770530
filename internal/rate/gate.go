package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"longctx/pkg/contract"
)

// 每次 map/reduce 模型调用前经闸门放行；分组键由后端名与凭据派生，
// 同一凭据下的调用共享额度。

// LimitKey 限流分组键。
type LimitKey string

// Limits 每分组限额；0 表示该维度不限。
type Limits struct {
	RPM             int // 每分钟请求数
	TPM             int // 每分钟 token 数
	MaxTokensPerReq int // 单次调用 token 上限（输入+预期输出）
}

// Ask 一次放行申请。Requests 至少为 1。
type Ask struct {
	Key      LimitKey
	Requests int
	Tokens   int
}

// Gate 并发安全的限流闸门。
type Gate interface {
	// Wait 阻塞直到两维额度同时可用或 ctx 结束；无法满足的申请立即失败。
	Wait(ctx context.Context, a Ask) error
	// Try 非阻塞；额度不足时不消耗任何维度。
	Try(a Ask) bool
}

// Snapshoter 诊断用：返回当前可用额度（向下取整）。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate 按静态配置构造；clk 为空时使用 time.Now。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, groups: make(map[LimitKey]*group, len(m))}
	for k, lim := range m {
		g.groups[k] = newGroup(lim)
	}
	return g
}

type gate struct {
	clk    func() time.Time
	mu     sync.Mutex
	groups map[LimitKey]*group
}

// group 一个分组的两维限流器；nil 表示该维不限。
type group struct {
	mu  sync.Mutex
	max int
	req *xrate.Limiter
	tok *xrate.Limiter
}

func newGroup(lim Limits) *group {
	return &group{max: lim.MaxTokensPerReq, req: perMinute(lim.RPM), tok: perMinute(lim.TPM)}
}

// perMinute 以每分钟额度为桶容量、匀速回填。
func perMinute(n int) *xrate.Limiter {
	if n <= 0 {
		return nil
	}
	return xrate.NewLimiter(xrate.Limit(float64(n)/60), n)
}

func (g *gate) lookup(key LimitKey) *group {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[key]
	if !ok {
		grp = newGroup(Limits{})
		g.groups[key] = grp
	}
	return grp
}

// check 校验申请本身，不涉及当前额度。
func (grp *group) check(a Ask) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return contract.ErrInvalidInput
	}
	if grp.max > 0 && a.Tokens > grp.max {
		return fmt.Errorf("%w: request tokens %d > %d", contract.ErrBudgetExceeded, a.Tokens, grp.max)
	}
	if grp.req != nil && a.Requests > grp.req.Burst() {
		return fmt.Errorf("%w: %d requests > rpm %d", contract.ErrBudgetExceeded, a.Requests, grp.req.Burst())
	}
	if grp.tok != nil && a.Tokens > grp.tok.Burst() {
		return fmt.Errorf("%w: %d tokens > tpm %d", contract.ErrBudgetExceeded, a.Tokens, grp.tok.Burst())
	}
	return nil
}

// reservation 两维联合预留。
type reservation struct {
	parts []*xrate.Reservation
	delay time.Duration
}

func (r reservation) cancel(now time.Time) {
	for _, p := range r.parts {
		p.CancelAt(now)
	}
}

// reserve 在 now 时刻同时预留两维额度，delay 取较大者。
func (grp *group) reserve(a Ask, now time.Time) reservation {
	grp.mu.Lock()
	defer grp.mu.Unlock()
	var r reservation
	take := func(l *xrate.Limiter, n int) {
		if l == nil || n == 0 {
			return
		}
		p := l.ReserveN(now, n)
		r.parts = append(r.parts, p)
		r.delay = max(r.delay, p.DelayFrom(now))
	}
	take(grp.req, a.Requests)
	take(grp.tok, a.Tokens)
	return r
}

func (g *gate) Try(a Ask) bool {
	grp := g.lookup(a.Key)
	if grp.check(a) != nil {
		return false
	}
	now := g.clk()
	r := grp.reserve(a, now)
	if r.delay > 0 {
		r.cancel(now)
		return false
	}
	return true
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	grp := g.lookup(a.Key)
	if err := grp.check(a); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r := grp.reserve(a, g.clk())
	if r.delay <= 0 {
		return nil
	}
	t := time.NewTimer(r.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.cancel(g.clk())
		return ctx.Err()
	}
}

func (g *gate) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	grp := g.lookup(key)
	now := g.clk()
	avail := func(l *xrate.Limiter) int {
		if l == nil {
			return 0
		}
		return max(0, int(l.TokensAt(now)))
	}
	return avail(grp.req), avail(grp.tok)
}

var (
	_ Gate       = (*gate)(nil)
	_ Snapshoter = (*gate)(nil)
)
