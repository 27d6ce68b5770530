package mapreduce

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"longctx/internal/cache"
	"longctx/internal/fragment"
	"longctx/internal/session"
	"longctx/pkg/contract"
)

// reduce 将有序答案归约为最终答案。
// compact：装配后一次归约；hierarchical：先逐轮分组归约直至装配结果不超过块预算。
func (e *Engine) reduce(ctx context.Context, st *stats, question string, results []contract.MapResult, res *Result) (string, error) {
	t0 := time.Now()
	combined, err := e.comp.Assembler.Assemble(ctx, results)
	if err != nil {
		return "", fmt.Errorf("assemble: %w", err)
	}

	if e.set.Reduce == ReduceHierarchical {
		answers := results
		pass := 0
		for len(combined) > e.set.MaxChunkBytes {
			pass++
			if pass > e.set.MaxReducePasses {
				return "", fmt.Errorf("%w: still %d bytes after %d passes", contract.ErrReductionDidNotConverge, len(combined), e.set.MaxReducePasses)
			}
			next, err := e.reducePass(ctx, st, question, answers, pass)
			if err != nil {
				return "", err
			}
			nextCombined, err := e.comp.Assembler.Assemble(ctx, next)
			if err != nil {
				return "", fmt.Errorf("assemble: %w", err)
			}
			if len(nextCombined) >= len(combined) {
				return "", fmt.Errorf("%w: pass %d did not shrink (%d -> %d bytes)", contract.ErrReductionDidNotConverge, pass, len(combined), len(nextCombined))
			}
			e.log.DebugStart("reduce", "pass", "", "", map[string]string{
				"pass": strconv.Itoa(pass), "groups": strconv.Itoa(len(next)), "bytes": strconv.Itoa(len(nextCombined)),
			})
			answers, combined = next, nextCombined
		}
		res.ReducePasses = pass
	}

	pb := e.comp.PromptBuilder
	msgs := pb.Reduce(question, combined)
	key := cache.ReduceKey(combined, question, e.set.Params, pb.Version(), 0)
	e.obs.StageStart(session.StageReduce, 1)
	out, err := e.call(ctx, st, "reduce", -1, key, msgs)
	if err != nil {
		e.obs.StageFinish(session.StageReduce, false, time.Since(t0))
		return "", fmt.Errorf("reduce: %w", err)
	}
	e.obs.StageProgress(1, 1, 0)
	e.obs.StageFinish(session.StageReduce, true, time.Since(t0))
	e.ses.Record(session.StageReduce, -1, 0, msgs, out.answer, out.cached)
	e.met.ObserveDuration("reduce", "stage", time.Since(t0).Milliseconds())
	return out.answer, nil
}

// reducePass 将答案作为字面片段重新切分，逐组串行归约。
func (e *Engine) reducePass(ctx context.Context, st *stats, question string, answers []contract.MapResult, pass int) ([]contract.MapResult, error) {
	frags := make([]contract.Fragment, 0, len(answers))
	for i, r := range answers {
		frags = append(frags, contract.Fragment{
			SourceID:   "answer-" + strconv.Itoa(r.ChunkIndex),
			Kind:       contract.KindLiteral,
			Position:   i,
			ByteLength: len(r.Answer),
			Content:    fragment.Text(r.Answer),
		})
	}
	chunks, err := e.comp.Splitter.Split(ctx, frags, e.set.MaxChunkBytes)
	if err != nil {
		return nil, fmt.Errorf("reduce pass %d: split: %w", pass, err)
	}
	groups, err := e.packAssembled(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("reduce pass %d: assemble: %w", pass, err)
	}

	pb := e.comp.PromptBuilder
	stage := fmt.Sprintf("%s#%d", session.StageReduce, pass)
	t0 := time.Now()
	e.obs.StageStart(stage, len(groups))
	next := make([]contract.MapResult, 0, len(groups))
	for gi, text := range groups {
		msgs := pb.Reduce(question, text)
		key := cache.ReduceKey(text, question, e.set.Params, pb.Version(), pass)
		out, err := e.call(ctx, st, "reduce", gi, key, msgs)
		if err != nil {
			e.obs.StageFinish(stage, false, time.Since(t0))
			return nil, fmt.Errorf("reduce pass %d group %d: %w", pass, gi, err)
		}
		e.ses.Record(session.StageReduce, gi, pass, msgs, out.answer, out.cached)
		next = append(next, contract.MapResult{ChunkIndex: gi, Answer: out.answer, Attempts: out.attempts, Cached: out.cached})
		e.obs.StageProgress(len(next), len(groups), 0)
	}
	e.obs.StageFinish(stage, true, time.Since(t0))
	return next, nil
}

// packAssembled 按装配后的长度重新分组切片，使每组装配文本不超过块预算；
// 单个切片装配后仍超限时独占一组。返回各组装配文本。
func (e *Engine) packAssembled(ctx context.Context, chunks []contract.Chunk) ([]string, error) {
	var (
		groups []string
		cur    []contract.MapResult
		text   string
	)
	for _, c := range chunks {
		for _, s := range c.Slices {
			cand := append(cur, contract.MapResult{ChunkIndex: len(cur), Answer: s.Text})
			t, err := e.comp.Assembler.Assemble(ctx, cand)
			if err != nil {
				return nil, err
			}
			if len(t) <= e.set.MaxChunkBytes || len(cur) == 0 {
				cur, text = cand, t
				continue
			}
			groups = append(groups, text)
			cur = []contract.MapResult{{ChunkIndex: 0, Answer: s.Text}}
			if text, err = e.comp.Assembler.Assemble(ctx, cur); err != nil {
				return nil, err
			}
		}
	}
	if len(cur) > 0 {
		groups = append(groups, text)
	}
	return groups, nil
}
