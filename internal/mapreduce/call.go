package mapreduce

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"longctx/internal/cache"
	"longctx/internal/diag"
	"longctx/internal/prompt"
	"longctx/internal/rate"
	"longctx/pkg/contract"
)

type outcome struct {
	answer   string
	attempts int
	cached   bool
}

// call 执行一次带缓存、限流与重试的模型调用。
// - 命中缓存：直接返回，不经闸门、不计调用；
// - 可重试失败（限流/网络/单次超时）按 RetryPolicy 退避；耗尽返回 ErrRetriesExhausted；
// - 其余失败包裹为 ErrFatal；父 ctx 取消时直接返回 ctx.Err()。
func (e *Engine) call(ctx context.Context, st *stats, comp string, chunk int, key cache.Key, msgs []contract.Message) (outcome, error) {
	chunkID := ""
	if chunk >= 0 {
		chunkID = diag.ChunkID(chunk)
	}
	if b, ok := e.cacheGet(ctx, key); ok {
		st.hits.Add(1)
		e.met.IncOp(comp, "cache", "hit")
		e.log.DebugStart(comp, "cache hit", "", chunkID, nil)
		return outcome{answer: string(b), cached: true}, nil
	}
	e.met.IncOp(comp, "cache", "miss")

	tokens := prompt.MessagesTokens(msgs, e.set.BytesPerToken)
	maxAttempts := e.set.Retry.attempts()
	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			st.retries.Add(1)
			if err := e.sleep(ctx, e.set.Retry.Delay(attempt-1)); err != nil {
				return outcome{attempts: attempt - 1}, err
			}
		}
		if e.comp.Gate != nil {
			if err := e.comp.Gate.Wait(ctx, rate.Ask{Key: e.comp.GateKey, Requests: 1, Tokens: tokens}); err != nil {
				if ctx.Err() != nil {
					return outcome{attempts: attempt - 1}, ctx.Err()
				}
				// 闸门拒绝（如单请求超限）不重试
				e.log.ErrorWith(comp, string(diag.Classify(err)), "gate: "+err.Error(), nil, "", chunkID)
				return outcome{attempts: attempt - 1}, fmt.Errorf("%w: gate: %w", contract.ErrFatal, err)
			}
		}

		kv := map[string]string{"attempt": strconv.Itoa(attempt), "tokens": strconv.Itoa(tokens)}
		timer := e.log.StartWithKV(comp, "complete", "", chunkID, kv)
		out, err := e.complete(ctx, msgs)
		st.calls.Add(1)
		if err == nil {
			timer.Finish("complete", int64(len(out)))
			e.met.IncOp(comp, "complete", "success")
			e.met.ObserveDuration(comp, "complete", time.Since(*timer.Since()).Milliseconds())
			e.cachePut(ctx, key, out)
			return outcome{answer: out, attempts: attempt}, nil
		}

		last = err
		code := diag.Classify(err)
		e.met.IncOp(comp, "complete", "error")
		e.met.IncError(comp, code)
		ekv := map[string]string{"attempt": strconv.Itoa(attempt)}
		var ue contract.UpstreamError
		if errors.As(err, &ue) {
			ekv["http_status"] = strconv.Itoa(ue.UpstreamStatus())
			ekv["upstream_msg"] = truncate(ue.UpstreamMessage(), 200)
		}
		e.log.ErrorWithKV(comp, string(code), err.Error(), timer.Since(), "", chunkID, ekv)

		if ctx.Err() != nil {
			return outcome{attempts: attempt}, ctx.Err()
		}
		if !diag.Retryable(err) {
			if !errors.Is(err, contract.ErrFatal) {
				err = fmt.Errorf("%w: %w", contract.ErrFatal, err)
			}
			return outcome{attempts: attempt}, err
		}
	}
	return outcome{attempts: maxAttempts}, fmt.Errorf("%w after %d attempts: %w", contract.ErrRetriesExhausted, maxAttempts, last)
}

// complete 在单次调用超时内调用后端。
func (e *Engine) complete(ctx context.Context, msgs []contract.Message) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, e.set.CallTimeout)
	defer cancel()
	return e.comp.Backend.Complete(cctx, msgs, e.set.Params)
}

func (e *Engine) cacheGet(ctx context.Context, key cache.Key) ([]byte, bool) {
	if e.comp.Cache == nil || e.cacheOff.Load() {
		return nil, false
	}
	b, ok, err := e.comp.Cache.Get(ctx, key)
	if err != nil {
		e.degrade(ctx, err)
		return nil, false
	}
	return b, ok
}

func (e *Engine) cachePut(ctx context.Context, key cache.Key, answer string) {
	if e.comp.Cache == nil || e.cacheOff.Load() {
		return
	}
	if err := e.comp.Cache.Put(ctx, key, []byte(answer), e.set.CacheTTL); err != nil {
		e.degrade(ctx, err)
	}
}

// degrade 在缓存不可用时告警一次并关闭本次调用的缓存；答案不受影响。
func (e *Engine) degrade(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	e.met.IncError("cache", diag.Classify(err))
	if e.cacheOff.CompareAndSwap(false, true) {
		e.log.Warn("cache", string(diag.CodeCache), "cache unavailable, continuing without cache", map[string]string{"err": err.Error()})
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
