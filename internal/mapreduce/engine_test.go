package mapreduce

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"longctx/internal/cache"
	"longctx/internal/diag"
	"longctx/internal/fragment"
	"longctx/internal/rate"
	"longctx/internal/session"
	"longctx/pkg/contract"
	"longctx/plugins/assembler/linear"
	"longctx/plugins/splitter/linepack"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// 桩件 --------------------------------------------------------

// stubPB 生成可解析的提示词："KIND idx\nbody"。
type stubPB struct{}

func (stubPB) Map(q string, c contract.Chunk) []contract.Message {
	return []contract.Message{
		{Role: contract.RoleSystem, Content: "sys"},
		{Role: contract.RoleUser, Content: "MAP " + strconv.Itoa(c.Index) + "\n" + c.RenderedText},
	}
}
func (stubPB) Reduce(q, combined string) []contract.Message {
	return []contract.Message{{Role: contract.RoleUser, Content: "REDUCE\n" + combined}}
}
func (stubPB) Direct(q, material string) []contract.Message {
	return []contract.Message{{Role: contract.RoleUser, Content: "DIRECT\n" + material}}
}
func (stubPB) Version() string                                    { return "stub-v1" }
func (stubPB) EstimateOverheadTokens(contract.TokenEstimator) int { return 0 }

type call struct {
	kind string
	idx  int
	body string
	n    int // 同一请求的第 n 次
}

type scriptBackend struct {
	fn func(ctx context.Context, c call) (string, error)

	mu    sync.Mutex
	calls []call
	seen  map[string]int
}

func (b *scriptBackend) Name() string { return "script" }

func (b *scriptBackend) Complete(ctx context.Context, msgs []contract.Message, p contract.Params) (string, error) {
	u := msgs[len(msgs)-1].Content
	head, body, _ := strings.Cut(u, "\n")
	kind, idxs, _ := strings.Cut(head, " ")
	c := call{kind: kind, idx: -1, body: body}
	if idxs != "" {
		c.idx, _ = strconv.Atoi(idxs)
	}
	b.mu.Lock()
	if b.seen == nil {
		b.seen = map[string]int{}
	}
	b.seen[u]++
	c.n = b.seen[u]
	b.calls = append(b.calls, c)
	b.mu.Unlock()
	if b.fn != nil {
		return b.fn(ctx, c)
	}
	return defaultAnswer(c), nil
}

func (b *scriptBackend) count(kind string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

func (b *scriptBackend) countIdx(kind string, idx int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.kind == kind && c.idx == idx {
			n++
		}
	}
	return n
}

func (b *scriptBackend) last(kind string) call {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.calls) - 1; i >= 0; i-- {
		if b.calls[i].kind == kind {
			return b.calls[i]
		}
	}
	return call{}
}

func defaultAnswer(c call) string {
	switch c.kind {
	case "MAP":
		return "A" + strconv.Itoa(c.idx)
	case "REDUCE":
		return "final:" + c.body
	default:
		return "direct:" + c.body
	}
}

// lineFrags 生成每条恰为 size 字节（含换行）的片段。
func lineFrags(n, size int) []contract.Fragment {
	out := make([]contract.Fragment, 0, n)
	for i := range n {
		text := strings.Repeat(string(rune('a'+i%26)), size-1) + "\n"
		out = append(out, contract.Fragment{
			SourceID: "s" + strconv.Itoa(i), Kind: contract.KindLiteral,
			Position: i, ByteLength: len(text), Content: fragment.Text(text),
		})
	}
	return out
}

func newEngine(t *testing.T, be contract.ModelBackend, set Settings, c Cache, o Observability) *Engine {
	t.Helper()
	asm, err := linear.New(nil)
	require.NoError(t, err)
	if set.MaxChunkBytes == 0 {
		set.MaxChunkBytes = 10
	}
	if set.Retry == (RetryPolicy{}) {
		set.Retry = RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	}
	if set.CallTimeout == 0 {
		set.CallTimeout = 2 * time.Second
	}
	e, err := New(Components{
		Backend: be, Splitter: linepack.New(nil), PromptBuilder: stubPB{}, Assembler: asm, Cache: c,
	}, set, o)
	require.NoError(t, err)
	return e
}

// 断言 subs 依次出现在 s 中。
func assertOrdered(t *testing.T, s string, subs ...string) {
	t.Helper()
	pos := -1
	for _, sub := range subs {
		i := strings.Index(s, sub)
		require.GreaterOrEqualf(t, i, 0, "缺少 %q", sub)
		require.Greaterf(t, i, pos, "%q 顺序错误", sub)
		pos = i
	}
}

// 用例 --------------------------------------------------------

// UT-ENG-01: P=2 且 chunk 0 延迟，归约输入仍按 0..4 排列
func TestOrderUnderDelay(t *testing.T) {
	be := &scriptBackend{fn: func(ctx context.Context, c call) (string, error) {
		if c.kind == "MAP" && c.idx == 0 {
			select {
			case <-time.After(60 * time.Millisecond):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return defaultAnswer(c), nil
	}}
	ses := session.New("s1", "q")
	e := newEngine(t, be, Settings{Parallelism: 2}, nil, Observability{Session: ses, Metrics: diag.NewMetrics()})

	res, err := e.Run(context.Background(), "q", lineFrags(5, 10))
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 5, res.Chunks)
	assert.Equal(t, 1, be.count("REDUCE"), "compact 归约仅一次调用")

	combined := be.last("REDUCE").body
	assertOrdered(t, combined, "A0", "A1", "A2", "A3", "A4")
	for i, r := range res.Answers {
		assert.Equal(t, i, r.ChunkIndex)
	}

	var mapChunks []int
	for _, turn := range ses.Turns() {
		if turn.Stage == session.StageMap && turn.Role == contract.RoleAssistant {
			mapChunks = append(mapChunks, turn.Chunk)
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, mapChunks, "会话按块序记录")
}

// UT-ENG-02: chunk 2 连续两次限流后成功，重试计数为 2
func TestRetryRateLimited(t *testing.T) {
	be := &scriptBackend{fn: func(ctx context.Context, c call) (string, error) {
		if c.kind == "MAP" && c.idx == 2 && c.n <= 2 {
			return "", contract.ErrRateLimited
		}
		return defaultAnswer(c), nil
	}}
	met := diag.NewMetrics()
	e := newEngine(t, be, Settings{Parallelism: 2}, nil, Observability{Metrics: met})

	res, err := e.Run(context.Background(), "q", lineFrags(4, 10))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, 4+2+1, res.Calls)
	assert.Equal(t, 3, res.Answers[2].Attempts)
	assert.EqualValues(t, 2, met.Errors("map", diag.CodeRateLimited))
	assertOrdered(t, be.last("REDUCE").body, "A0", "A1", "A2", "A3")
}

// UT-ENG-03: chunk 1/3 致命失败 → FAILED，不做归约
func TestFatalStopsInvocation(t *testing.T) {
	be := &scriptBackend{fn: func(ctx context.Context, c call) (string, error) {
		if c.kind == "MAP" && c.idx == 1 {
			return "", contract.ErrFatal
		}
		return defaultAnswer(c), nil
	}}
	e := newEngine(t, be, Settings{Parallelism: 1}, nil, Observability{})

	res, err := e.Run(context.Background(), "q", lineFrags(3, 10))
	require.Error(t, err)
	var ie *InvocationError
	require.ErrorAs(t, err, &ie)
	require.Len(t, ie.Failures, 1)
	assert.Equal(t, 1, ie.Failures[0].Index)
	assert.Equal(t, 1, ie.Failures[0].Attempts, "致命错误不重试")
	assert.ErrorIs(t, err, contract.ErrFatal)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateFailed, e.State())
	assert.Zero(t, be.count("REDUCE"))
	assert.Equal(t, 1, be.countIdx("MAP", 0))
	assert.Zero(t, be.countIdx("MAP", 2), "排队中的块在致命失败后不再调用后端")
	assert.Empty(t, res.Answer)
}

// UT-ENG-03b: P=2 时进行中的块被取消，不计为失败；排队块不再调用
func TestFatalCancelsInFlight(t *testing.T) {
	be := &scriptBackend{fn: func(ctx context.Context, c call) (string, error) {
		if c.kind != "MAP" {
			return defaultAnswer(c), nil
		}
		switch c.idx {
		case 0:
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return defaultAnswer(c), nil
			}
		case 1:
			return "", contract.ErrFatal
		}
		return defaultAnswer(c), nil
	}}
	e := newEngine(t, be, Settings{Parallelism: 2}, nil, Observability{})

	start := time.Now()
	res, err := e.Run(context.Background(), "q", lineFrags(4, 10))
	var ie *InvocationError
	require.ErrorAs(t, err, &ie)
	require.Len(t, ie.Failures, 1, "被取消的块不计入失败")
	assert.Equal(t, 1, ie.Failures[0].Index)
	assert.Less(t, time.Since(start), 4*time.Second, "进行中的块应随取消返回")
	assert.Equal(t, 1, be.countIdx("MAP", 0))
	assert.Zero(t, be.countIdx("MAP", 2))
	assert.Zero(t, be.countIdx("MAP", 3))
	assert.Zero(t, be.count("REDUCE"))
	assert.Empty(t, res.Answers)
	assert.Equal(t, StateFailed, res.State)
}

// UT-ENG-04: 容忍 1 个失败块时以部分答案归约
func TestPartialAnswersWithinTolerance(t *testing.T) {
	be := &scriptBackend{fn: func(ctx context.Context, c call) (string, error) {
		if c.kind == "MAP" && c.idx == 1 {
			return "", errors.New("boom")
		}
		return defaultAnswer(c), nil
	}}
	e := newEngine(t, be, Settings{Parallelism: 3, FatalTolerance: 1}, nil, Observability{})

	res, err := e.Run(context.Background(), "q", lineFrags(3, 10))
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, 1, res.Skipped[0].Index)
	assert.ErrorIs(t, res.Skipped[0].Err, contract.ErrFatal)
	body := be.last("REDUCE").body
	assertOrdered(t, body, "A0", "A2")
	assert.NotContains(t, body, "A1")
}

// UT-ENG-05: 热缓存下重复调用零后端请求且输出逐字节一致
func TestIdempotentWithWarmCache(t *testing.T) {
	ctx := context.Background()
	c, err := cache.Open(ctx, cache.Options{Path: filepath.Join(t.TempDir(), "cache.db"), Codec: cache.CodecLZ4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	be := &scriptBackend{}
	e := newEngine(t, be, Settings{Parallelism: 2}, c, Observability{})
	first, err := e.Run(ctx, "q", lineFrags(4, 10))
	require.NoError(t, err)
	assert.Equal(t, 5, first.Calls)

	be2 := &scriptBackend{}
	e2 := newEngine(t, be2, Settings{Parallelism: 3}, c, Observability{})
	second, err := e2.Run(ctx, "q", lineFrags(4, 10))
	require.NoError(t, err)
	assert.Zero(t, second.Calls)
	assert.Zero(t, be2.count("MAP")+be2.count("REDUCE"))
	assert.Equal(t, 5, second.CacheHits)
	assert.Equal(t, first.Answer, second.Answer)
	for _, r := range second.Answers {
		assert.True(t, r.Cached)
	}

	// 问题变化即缓存失效
	third, err := e2.Run(ctx, "other question", lineFrags(4, 10))
	require.NoError(t, err)
	assert.Equal(t, 5, third.Calls)
}

// UT-ENG-06: 0 块与 1 块走直答
func TestDirectForZeroAndOneChunk(t *testing.T) {
	be := &scriptBackend{}
	e := newEngine(t, be, Settings{}, nil, Observability{})

	res, err := e.Run(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "direct:", res.Answer)
	assert.Equal(t, 0, res.Chunks)

	res, err = e.Run(context.Background(), "q", lineFrags(1, 8))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, "direct:"+strings.Repeat("a", 7)+"\n", res.Answer)
	assert.Zero(t, be.count("MAP"))
	assert.Zero(t, be.count("REDUCE"))
	assert.Equal(t, 2, be.count("DIRECT"))
}

// UT-ENG-07: 分层归约两两合并后收敛
func TestHierarchicalConverges(t *testing.T) {
	be := &scriptBackend{fn: func(ctx context.Context, c call) (string, error) {
		switch c.kind {
		case "MAP":
			return "A" + strconv.Itoa(c.idx) + strings.Repeat("m", 38), nil
		case "REDUCE":
			return "r" + strconv.Itoa(len(c.body)), nil
		}
		return defaultAnswer(c), nil
	}}
	e := newEngine(t, be, Settings{MaxChunkBytes: 100, Reduce: ReduceHierarchical}, nil, Observability{})

	res, err := e.Run(context.Background(), "q", lineFrags(4, 100))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReducePasses)
	assert.Equal(t, 4, be.count("MAP"))
	assert.Equal(t, 2+1, be.count("REDUCE"), "两组归约加一次最终归约")
	assert.True(t, strings.HasPrefix(res.Answer, "r"))
}

// UT-ENG-07b: 分组按装配后长度计算，围栏开销不会让组请求超出预算
func TestHierarchicalGroupsFitAfterAssembly(t *testing.T) {
	be := &scriptBackend{fn: func(ctx context.Context, c call) (string, error) {
		switch c.kind {
		case "MAP":
			return "A" + strconv.Itoa(c.idx) + strings.Repeat("m", 44), nil
		case "REDUCE":
			return "r" + strconv.Itoa(len(c.body)), nil
		}
		return defaultAnswer(c), nil
	}}
	e := newEngine(t, be, Settings{MaxChunkBytes: 100, Reduce: ReduceHierarchical}, nil, Observability{})

	res, err := e.Run(context.Background(), "q", lineFrags(4, 100))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReducePasses)
	// 两个 46 字节答案原文共 92 字节，围栏后 112 字节，只能各自成组
	assert.Equal(t, 4+1, be.count("REDUCE"))
	be.mu.Lock()
	defer be.mu.Unlock()
	for _, c := range be.calls {
		if c.kind == "REDUCE" {
			assert.LessOrEqual(t, len(c.body), 100, "组请求超出块预算: %q", c.body)
		}
	}
}

// UT-ENG-08: 归约不缩小或超出轮数上限 → ReductionDidNotConverge
func TestHierarchicalDoesNotConverge(t *testing.T) {
	mapAns := func(c call) string { return "A" + strconv.Itoa(c.idx) + strings.Repeat("m", 58) }
	cases := []struct {
		name   string
		reduce func(body string) string
		passes int
	}{
		{name: "grow", reduce: func(body string) string { return body }},
		{name: "limit", reduce: func(body string) string { return body[:len(body)/2] }, passes: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			be := &scriptBackend{fn: func(ctx context.Context, c call) (string, error) {
				if c.kind == "MAP" {
					return mapAns(c), nil
				}
				return tc.reduce(c.body), nil
			}}
			e := newEngine(t, be, Settings{MaxChunkBytes: 100, Reduce: ReduceHierarchical, MaxReducePasses: tc.passes}, nil, Observability{})
			res, err := e.Run(context.Background(), "q", lineFrags(4, 100))
			require.ErrorIs(t, err, contract.ErrReductionDidNotConverge)
			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, diag.CodeConverge, diag.Classify(err))
		})
	}
}

type brokenCache struct{ gets, puts atomic.Int32 }

func (c *brokenCache) Get(ctx context.Context, k cache.Key) ([]byte, bool, error) {
	c.gets.Add(1)
	return nil, false, contract.ErrCacheUnavailable
}
func (c *brokenCache) Put(ctx context.Context, k cache.Key, v []byte, ttl time.Duration) error {
	c.puts.Add(1)
	return contract.ErrCacheUnavailable
}

// UT-ENG-09: 缓存不可用时降级为无缓存，答案不受影响
func TestCacheUnavailableDegrades(t *testing.T) {
	bc := &brokenCache{}
	met := diag.NewMetrics()
	be := &scriptBackend{}
	e := newEngine(t, be, Settings{Parallelism: 1}, bc, Observability{Metrics: met})

	res, err := e.Run(context.Background(), "q", lineFrags(3, 10))
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.EqualValues(t, 1, bc.gets.Load(), "首次失败后不再访问缓存")
	assert.Zero(t, bc.puts.Load())
	assert.Equal(t, 4, res.Calls)
	assert.EqualValues(t, 1, met.Errors("cache", diag.CodeCache))
}

// UT-ENG-10: 单次调用超时可重试
func TestCallTimeoutIsRetried(t *testing.T) {
	be := &scriptBackend{fn: func(ctx context.Context, c call) (string, error) {
		if c.kind == "MAP" && c.idx == 0 && c.n == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return defaultAnswer(c), nil
	}}
	e := newEngine(t, be, Settings{Parallelism: 2, CallTimeout: 30 * time.Millisecond}, nil, Observability{})

	res, err := e.Run(context.Background(), "q", lineFrags(2, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, 2, res.Answers[0].Attempts)
}

// UT-ENG-11: 重试耗尽转为致命
func TestRetriesExhausted(t *testing.T) {
	be := &scriptBackend{fn: func(ctx context.Context, c call) (string, error) {
		if c.kind == "MAP" && c.idx == 1 {
			return "", contract.ErrNetwork
		}
		return defaultAnswer(c), nil
	}}
	set := Settings{Parallelism: 2, Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}}
	e := newEngine(t, be, set, nil, Observability{})

	_, err := e.Run(context.Background(), "q", lineFrags(2, 10))
	var ie *InvocationError
	require.ErrorAs(t, err, &ie)
	require.Len(t, ie.Failures, 1)
	assert.Equal(t, 3, ie.Failures[0].Attempts)
	assert.ErrorIs(t, err, contract.ErrRetriesExhausted)
	assert.ErrorIs(t, err, contract.ErrNetwork)
	assert.Equal(t, diag.CodeFatal, diag.Classify(ie.Failures[0].Err))
	assert.Zero(t, be.count("REDUCE"))
}

// UT-ENG-12: 父 ctx 取消即终止，不泄漏 goroutine
func TestParentCancel(t *testing.T) {
	started := make(chan struct{}, 8)
	be := &scriptBackend{fn: func(ctx context.Context, c call) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	}}
	e := newEngine(t, be, Settings{Parallelism: 2}, nil, Observability{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res, err := e.Run(ctx, "q", lineFrags(6, 10))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, be.count("REDUCE"))
}

type denyGate struct{}

func (denyGate) Wait(ctx context.Context, a rate.Ask) error { return contract.ErrBudgetExceeded }
func (denyGate) Try(a rate.Ask) bool                        { return false }

// UT-ENG-13: 闸门拒绝不重试、不调用后端
func TestGateRejectionIsFatal(t *testing.T) {
	be := &scriptBackend{}
	asm, _ := linear.New(nil)
	e, err := New(Components{
		Backend: be, Splitter: linepack.New(nil), PromptBuilder: stubPB{}, Assembler: asm,
		Gate: denyGate{}, GateKey: "k",
	}, Settings{MaxChunkBytes: 10}, Observability{})
	require.NoError(t, err)

	_, err = e.Run(context.Background(), "q", lineFrags(2, 10))
	require.ErrorIs(t, err, contract.ErrBudgetExceeded)
	assert.ErrorIs(t, err, contract.ErrFatal)
	assert.Zero(t, be.count("MAP"))
}

// UT-ENG-14: 构造校验
func TestNewValidation(t *testing.T) {
	asm, _ := linear.New(nil)
	full := Components{Backend: &scriptBackend{}, Splitter: linepack.New(nil), PromptBuilder: stubPB{}, Assembler: asm}

	_, err := New(full, Settings{}, Observability{})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	_, err = New(Components{Backend: &scriptBackend{}}, Settings{MaxChunkBytes: 10}, Observability{})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	_, err = New(full, Settings{MaxChunkBytes: 10, Reduce: "tree"}, Observability{})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	_, err = New(full, Settings{MaxChunkBytes: 10, FatalTolerance: -1}, Observability{})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	e, err := New(full, Settings{MaxChunkBytes: 10}, Observability{})
	require.NoError(t, err)
	got := e.Settings()
	assert.Equal(t, DefaultParallelism, got.Parallelism)
	assert.Equal(t, ReduceCompact, got.Reduce)
	assert.Equal(t, DefaultCallTimeout, got.CallTimeout)
	assert.Equal(t, DefaultRetryPolicy(), got.Retry)
	assert.Equal(t, StatePending, e.State())
}

func TestParseReduceMode(t *testing.T) {
	for in, want := range map[string]ReduceMode{"": ReduceCompact, "Compact": ReduceCompact, " hierarchical ": ReduceHierarchical} {
		got, err := ParseReduceMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseReduceMode("tree")
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}
