package mapreduce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"longctx/internal/cache"
	"longctx/internal/diag"
	"longctx/internal/rate"
	"longctx/internal/session"
	"longctx/pkg/contract"
)

// - 单点并发：仅引擎管理并发与背压；各组件均为同步实现。
// - 顺序门闩：map 结果按 Chunk.Index 严格递增提交；乱序结果暂存，连续冲刷。
// - 致命取消：致命失败数超过容忍度即 cancel；排空后返回 *InvocationError。
// - 归约串行：reduce 与 direct 调用在调用方 goroutine 上依次执行。

// State 为一次调用的生命周期状态。
type State int32

const (
	StatePending State = iota
	StateMapping
	StateReducing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateMapping:
		return "mapping"
	case StateReducing:
		return "reducing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ReduceMode 选择归约策略。
type ReduceMode string

const (
	ReduceCompact      ReduceMode = "compact"
	ReduceHierarchical ReduceMode = "hierarchical"
)

// ParseReduceMode 解析归约模式；空串为 compact。
func ParseReduceMode(s string) (ReduceMode, error) {
	switch ReduceMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ReduceCompact:
		return ReduceCompact, nil
	case ReduceHierarchical:
		return ReduceHierarchical, nil
	default:
		return "", fmt.Errorf("%w: reduce mode %q", contract.ErrInvalidInput, s)
	}
}

// Cache 为引擎所需的最小缓存能力；*cache.Cache 满足该接口。
type Cache interface {
	Get(ctx context.Context, k cache.Key) ([]byte, bool, error)
	Put(ctx context.Context, k cache.Key, value []byte, ttl time.Duration) error
}

// Observer 接收阶段进度；*diag.Terminal 满足该接口。
type Observer interface {
	StageStart(stage string, total int)
	StageProgress(done, total, errs int)
	StageFinish(stage string, ok bool, dur time.Duration)
}

type nopObserver struct{}

func (nopObserver) StageStart(string, int)                  {}
func (nopObserver) StageProgress(int, int, int)             {}
func (nopObserver) StageFinish(string, bool, time.Duration) {}

// Components 聚合引擎所需的原子组件。Cache 与 Gate 可为空。
type Components struct {
	Backend       contract.ModelBackend
	Splitter      contract.Splitter
	PromptBuilder contract.PromptBuilder
	Assembler     contract.Assembler
	Cache         Cache
	// 限流闸门（可选）：非空时每次模型调用前 Gate.Wait
	Gate    rate.Gate
	GateKey rate.LimitKey
}

// Settings 运行期配置；零值字段取默认。
type Settings struct {
	// MaxChunkBytes: 每块字节预算（已扣除提示词开销），必须 >0
	MaxChunkBytes int
	Parallelism   int
	Reduce        ReduceMode
	// MaxReducePasses: 分层归约的最大轮数
	MaxReducePasses int
	// FatalTolerance: 容忍的 map 致命失败块数；0 表示任一失败即整体失败
	FatalTolerance int
	CacheTTL       time.Duration
	// CallTimeout: 单次模型调用超时；0 时取 Params.Timeout，仍为 0 则 120s
	CallTimeout   time.Duration
	BytesPerToken int
	Params        contract.Params
	Retry         RetryPolicy
}

const (
	DefaultParallelism     = 4
	DefaultMaxReducePasses = 8
	DefaultCacheTTL        = cache.DefaultTTL
	DefaultCallTimeout     = 120 * time.Second
	DefaultBytesPerToken   = 4
)

// Observability 显式传入的日志、指标、进度与会话记录；均可为空。
type Observability struct {
	Logger   *diag.Logger
	Metrics  *diag.Metrics
	Observer Observer
	Session  *session.Session
}

// Result 汇总一次调用。失败时同样返回，计数反映已发生的工作。
type Result struct {
	Answer       string
	State        State
	Chunks       int
	Calls        int
	Retries      int
	CacheHits    int
	ReducePasses int
	// Skipped: 容忍范围内被跳过的失败块（部分答案模式）
	Skipped []ChunkFailure
	// Answers: 按块序号升序的成功 map 结果
	Answers []contract.MapResult
}

// ChunkFailure 描述单块的最终失败。
type ChunkFailure struct {
	Index    int
	Attempts int
	Err      error
}

// InvocationError: map 阶段致命失败数超过容忍度。
type InvocationError struct {
	Tolerance int
	Failures  []ChunkFailure
}

func (e *InvocationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "map stage failed: %d chunk(s) failed, tolerance %d", len(e.Failures), e.Tolerance)
	for _, f := range e.Failures {
		fmt.Fprintf(&sb, "; chunk %d after %d attempt(s): %v", f.Index, f.Attempts, f.Err)
	}
	return sb.String()
}

func (e *InvocationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Engine 执行 split → map → reduce。可复用，但同一时刻只应有一个 Run。
type Engine struct {
	comp Components
	set  Settings
	log  *diag.Logger
	met  *diag.Metrics
	obs  Observer
	ses  *session.Session

	state    atomic.Int32
	cacheOff atomic.Bool
	sleep    func(ctx context.Context, d time.Duration) error
}

// New 校验组件并补齐默认值。
func New(comp Components, set Settings, o Observability) (*Engine, error) {
	if err := sanity(comp, set); err != nil {
		return nil, fmt.Errorf("sanity: %w", err)
	}
	if set.Parallelism <= 0 {
		set.Parallelism = DefaultParallelism
	}
	if set.Reduce == "" {
		set.Reduce = ReduceCompact
	}
	if set.MaxReducePasses <= 0 {
		set.MaxReducePasses = DefaultMaxReducePasses
	}
	if set.CacheTTL == 0 {
		set.CacheTTL = DefaultCacheTTL
	}
	if set.CallTimeout <= 0 {
		set.CallTimeout = set.Params.Timeout
	}
	if set.CallTimeout <= 0 {
		set.CallTimeout = DefaultCallTimeout
	}
	if set.BytesPerToken <= 0 {
		set.BytesPerToken = DefaultBytesPerToken
	}
	if set.Retry == (RetryPolicy{}) {
		set.Retry = DefaultRetryPolicy()
	}
	e := &Engine{comp: comp, set: set, log: o.Logger, met: o.Metrics, obs: o.Observer, ses: o.Session, sleep: sleepWithCtx}
	if e.obs == nil {
		e.obs = nopObserver{}
	}
	return e, nil
}

func sanity(c Components, s Settings) error {
	if c.Backend == nil || c.Splitter == nil || c.PromptBuilder == nil || c.Assembler == nil {
		return fmt.Errorf("%w: missing component", contract.ErrInvalidInput)
	}
	if s.MaxChunkBytes <= 0 {
		return fmt.Errorf("%w: max chunk bytes %d", contract.ErrInvalidInput, s.MaxChunkBytes)
	}
	if s.FatalTolerance < 0 {
		return fmt.Errorf("%w: fatal tolerance %d", contract.ErrInvalidInput, s.FatalTolerance)
	}
	if _, err := ParseReduceMode(string(s.Reduce)); err != nil {
		return err
	}
	return nil
}

// State 返回当前状态（并发安全）。
func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

// Settings 返回补齐默认值后的配置。
func (e *Engine) Settings() Settings { return e.set }

type stats struct {
	calls, retries, hits atomic.Int64
}

// chunkRenderer: 可选能力，给出 Chunk 在提示词中的呈现（含来源标签与围栏）。
type chunkRenderer interface {
	RenderChunk(c contract.Chunk) string
}

func (e *Engine) render(c contract.Chunk) string {
	if r, ok := e.comp.PromptBuilder.(chunkRenderer); ok {
		return r.RenderChunk(c)
	}
	return c.RenderedText
}

// Run 对有序片段回答 question。
// 约束：
// - 0 块：一次无上下文直答；1 块：一次携带该块的直答；
// - 多块：并发 map，按序提交后 compact 或 hierarchical 归约；
// - 返回的 Result 非空，失败时 State 为 StateFailed。
func (e *Engine) Run(ctx context.Context, question string, frags []contract.Fragment) (*Result, error) {
	e.setState(StatePending)
	e.cacheOff.Store(false)
	st := &stats{}
	res := &Result{}
	timer := e.log.StartWithKV("engine", "run", "", "", map[string]string{
		"backend":   e.comp.Backend.Name(),
		"fragments": fmt.Sprintf("%d", len(frags)),
	})

	answer, err := e.run(ctx, st, question, frags, res)
	res.Calls = int(st.calls.Load())
	res.Retries = int(st.retries.Load())
	res.CacheHits = int(st.hits.Load())
	if err != nil {
		e.setState(StateFailed)
		res.State = StateFailed
		code := diag.Classify(err)
		e.met.IncOp("engine", "run", "error")
		e.met.IncError("engine", code)
		e.log.ErrorWith("engine", string(code), "run failed: "+err.Error(), timer.Since(), "", "")
		return res, err
	}
	e.setState(StateDone)
	res.State = StateDone
	res.Answer = answer
	e.met.IncOp("engine", "run", "success")
	timer.Finish("run", int64(len(answer)))
	return res, nil
}

func (e *Engine) run(ctx context.Context, st *stats, question string, frags []contract.Fragment, res *Result) (string, error) {
	chunks, err := e.comp.Splitter.Split(ctx, frags, e.set.MaxChunkBytes)
	if err != nil {
		return "", fmt.Errorf("split: %w", err)
	}
	if err := contract.ValidateChunks(chunks, e.set.MaxChunkBytes); err != nil {
		return "", fmt.Errorf("split: %w", err)
	}
	res.Chunks = len(chunks)
	e.log.DebugStart("engine", "chunks", "", "", map[string]string{"count": fmt.Sprintf("%d", len(chunks))})

	switch len(chunks) {
	case 0:
		e.setState(StateReducing)
		return e.direct(ctx, st, question, "")
	case 1:
		e.setState(StateMapping)
		return e.direct(ctx, st, question, e.render(chunks[0]))
	}

	e.setState(StateMapping)
	results, skipped, err := e.mapChunks(ctx, st, question, chunks)
	res.Answers = results
	res.Skipped = skipped
	if err != nil {
		return "", err
	}
	if len(skipped) > 0 {
		kv := map[string]string{"skipped": fmt.Sprintf("%d", len(skipped))}
		e.log.Warn("engine", string(diag.CodeFatal), "continuing with partial answers", kv)
	}

	e.setState(StateReducing)
	return e.reduce(ctx, st, question, results, res)
}

// direct 单次直答（零或一个块）。
func (e *Engine) direct(ctx context.Context, st *stats, question, material string) (string, error) {
	pb := e.comp.PromptBuilder
	msgs := pb.Direct(question, material)
	key := cache.DirectKey(material, question, e.set.Params, pb.Version())
	t0 := time.Now()
	e.obs.StageStart(session.StageDirect, 1)
	out, err := e.call(ctx, st, "direct", -1, key, msgs)
	if err != nil {
		e.obs.StageFinish(session.StageDirect, false, time.Since(t0))
		return "", fmt.Errorf("direct: %w", err)
	}
	e.obs.StageProgress(1, 1, 0)
	e.obs.StageFinish(session.StageDirect, true, time.Since(t0))
	e.ses.Record(session.StageDirect, -1, 0, msgs, out.answer, out.cached)
	return out.answer, nil
}

func isAbort(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
