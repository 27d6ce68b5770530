package mapreduce

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"longctx/internal/cache"
	"longctx/internal/diag"
	"longctx/internal/session"
	"longctx/pkg/contract"
)

type mapOut struct {
	res  contract.MapResult
	msgs []contract.Message
	// aborted: 因整体取消未执行或中途放弃，不计为失败
	aborted bool
}

// mapChunks 以 P 个 worker 并发执行 map，并按 Index 顺序提交。
// 返回成功结果（升序）与容忍范围内的失败块。
func (e *Engine) mapChunks(ctx context.Context, st *stats, question string, chunks []contract.Chunk) ([]contract.MapResult, []ChunkFailure, error) {
	mctx, cancel := context.WithCancel(ctx)
	defer cancel()

	total := len(chunks)
	workers := min(e.set.Parallelism, total)
	inCh := make(chan contract.Chunk, 2*workers)
	outCh := make(chan mapOut, 2*workers)

	t0 := time.Now()
	e.obs.StageStart(session.StageMap, total)
	timer := e.log.StartWithKV("map", "stage", "", "", map[string]string{"chunks": strconv.Itoa(total), "workers": strconv.Itoa(workers)})

	g, gctx := errgroup.WithContext(mctx)
	// 生产者：按序派发
	g.Go(func() error {
		defer close(inCh)
		for _, c := range chunks {
			select {
			case <-gctx.Done():
				return nil
			case inCh <- c:
			}
		}
		return nil
	})
	// 超出容忍的判定在 worker 内完成，取消先于下一次从 inCh 取块
	var fatalSeen atomic.Int32
	for range workers {
		g.Go(func() error {
			for c := range inCh {
				o := e.mapOne(gctx, st, question, c)
				if o.res.Err != nil && !o.aborted && int(fatalSeen.Add(1)) > e.set.FatalTolerance {
					cancel()
				}
				outCh <- o
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(outCh)
	}()

	// 顺序门闩
	var (
		results  = make([]contract.MapResult, 0, total)
		failures []ChunkFailure
		buf      = make(map[int]mapOut)
		expect   int
		done     int
		fatal    int
		aborting bool
	)
	commit := func(o mapOut) {
		switch {
		case o.aborted:
		case o.res.Err != nil:
			failures = append(failures, ChunkFailure{Index: o.res.ChunkIndex, Attempts: o.res.Attempts, Err: o.res.Err})
		default:
			results = append(results, o.res)
			e.ses.Record(session.StageMap, o.res.ChunkIndex, 0, o.msgs, o.res.Answer, o.res.Cached)
		}
	}
	for o := range outCh {
		done++
		if o.res.Err != nil && !o.aborted {
			fatal++
			if fatal > e.set.FatalTolerance && !aborting {
				aborting = true
				e.log.ErrorWith("map", string(diag.Classify(o.res.Err)), "fatal failure, cancelling remaining chunks", timer.Since(), "", diag.ChunkID(o.res.ChunkIndex))
			}
		}
		e.obs.StageProgress(done, total, fatal)
		buf[o.res.ChunkIndex] = o
		for {
			x, ok := buf[expect]
			if !ok {
				break
			}
			delete(buf, expect)
			expect++
			commit(x)
		}
	}
	// 中止时未派发的块不会出现在 outCh 中
	for len(buf) > 0 {
		if x, ok := buf[expect]; ok {
			delete(buf, expect)
			commit(x)
		}
		expect++
	}

	ok := !aborting && ctx.Err() == nil && len(results) > 0
	e.obs.StageFinish(session.StageMap, ok, time.Since(t0))
	if err := ctx.Err(); err != nil {
		return results, failures, err
	}
	if aborting || len(results) == 0 {
		return results, failures, &InvocationError{Tolerance: e.set.FatalTolerance, Failures: failures}
	}
	if err := contract.ValidateResults(results); err != nil {
		return results, failures, err
	}
	e.met.ObserveDuration("map", "stage", time.Since(t0).Milliseconds())
	timer.Finish("stage", int64(len(results)))
	return results, failures, nil
}

// mapOne 处理单块；ctx 已取消时不发起调用。
func (e *Engine) mapOne(ctx context.Context, st *stats, question string, c contract.Chunk) mapOut {
	o := mapOut{res: contract.MapResult{ChunkIndex: c.Index}}
	if err := ctx.Err(); err != nil {
		o.res.Err = err
		o.aborted = true
		return o
	}
	pb := e.comp.PromptBuilder
	o.msgs = pb.Map(question, c)
	key := cache.MapKey(e.render(c), question, e.set.Params, pb.Version())
	out, err := e.call(ctx, st, "map", c.Index, key, o.msgs)
	o.res.Answer = out.answer
	o.res.Attempts = out.attempts
	o.res.Cached = out.cached
	if err != nil {
		o.res.Err = err
		o.aborted = isAbort(ctx, err)
	}
	return o
}
