package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	cfgpkg "longctx/internal/config"
	"longctx/internal/diag"
	"longctx/internal/fragment"
	"longctx/internal/ingest"
	"longctx/internal/mapreduce"
	"longctx/internal/session"
	pmr "longctx/plugins/prompt/mapreduce"
)

// 退出码：0 成功；1 运行期失败；3 配置/装配错误。
const (
	exitOK     = 0
	exitRun    = 1
	exitConfig = 3
)

// configError 标记配置阶段的错误（退出码 3）。
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

// 默认依次探测的配置文件名。
var configCandidates = []string{"config.json", "config.jsonc", "config.yaml", "config.yml", "config.toml"}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	root := newRootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	if !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
	}
	var ce configError
	if errors.As(err, &ce) {
		return exitConfig
	}
	return exitRun
}

// rootOpts 为根命令旗标。数值旗标的零值表示“未覆盖”。
type rootOpts struct {
	sels        []ingest.Selector
	ask         string
	chunkBytes  int
	parallelism int
	reduce      string
	maxPasses   int
	cacheTTL    string
	noCache     bool
	fatalTol    int
	llm         string
	config      string
	output      string
	sessionDump string
	status      bool
	verbose     bool
}

func newRootCmd() *cobra.Command {
	o := &rootOpts{}
	cmd := &cobra.Command{
		Use:   "longctx [question...]",
		Short: "对超出上下文窗口的材料分块提问（map-reduce），结果带内容寻址缓存",
		Long: "longctx 按来源旗标出现的顺序收集材料，切分为受预算约束的块，\n" +
			"对每块并发调用模型（map），再将部分答案归约为一个最终答案（reduce）。",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ask(cmd, o, args)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return configError{err} })

	pf := cmd.PersistentFlags()
	pf.StringVar(&o.config, "config", "", "配置文件路径（.json/.jsonc/.yaml/.toml）；缺省探测工作目录下的 config.*")
	pf.BoolVarP(&o.verbose, "verbose", "v", false, "debug 级别日志")

	fs := cmd.Flags()
	fs.SortFlags = false
	addSelectorFlags(fs, &o.sels)
	fs.StringVarP(&o.ask, "ask", "a", "", "问题；缺省取位置参数或配置中的 question")
	fs.IntVar(&o.chunkBytes, "chunk-bytes", 0, "每块字节预算（覆盖配置）")
	fs.IntVarP(&o.parallelism, "parallelism", "j", 0, "map 阶段并发度（覆盖配置）")
	fs.StringVar(&o.reduce, "reduce", "", "归约方式：compact|hierarchical")
	fs.IntVar(&o.maxPasses, "max-reduce-passes", 0, "分层归约最大轮数（覆盖配置）")
	fs.StringVar(&o.cacheTTL, "cache-ttl", "", "缓存有效期，如 12h、30d（覆盖配置）")
	fs.BoolVar(&o.noCache, "no-cache", false, "禁用结果缓存")
	fs.IntVar(&o.fatalTol, "fatal-tolerance", 0, "容忍的失败块数；>0 时输出部分答案")
	fs.StringVar(&o.llm, "llm", "", "provider 名称（覆盖配置）")
	fs.StringVarP(&o.output, "output", "o", "", "答案输出路径；\"-\" 为标准输出")
	fs.StringVar(&o.sessionDump, "session-dump", "", "将本次会话（全部消息与答案）写为 JSON")
	fs.BoolVar(&o.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")

	cmd.AddCommand(newCacheCmd(o), newInitCmd())
	return cmd
}

// loadConfig 依次合并 Defaults → 配置文件 → ENV → CLI，并做静态校验。
func loadConfig(o *rootOpts, flags *pflag.FlagSet) (cfgpkg.Config, error) {
	cfg, err := layered(o, flags)
	if err != nil {
		return cfg, err
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		_ = dumpConfig(cfg)
		return cfg, configError{fmt.Errorf("配置校验失败: %w", err)}
	}
	return cfg, nil
}

// layered 仅做分层合并，不校验（cache 子命令不要求 llm 等运行项）。
func layered(o *rootOpts, flags *pflag.FlagSet) (cfgpkg.Config, error) {
	cfg := cfgpkg.Defaults()

	path := o.config
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		path = findConfig()
	}
	switch raw := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); {
	case raw != "":
		base, err := cfgpkg.LoadJSON("", []byte(raw))
		if err != nil {
			return cfg, configError{fmt.Errorf("配置解析失败: %w", err)}
		}
		cfg = cfgpkg.Merge(cfg, base)
	case path != "":
		base, err := cfgpkg.Load(path)
		if err != nil {
			return cfg, configError{fmt.Errorf("配置解析失败: %w", err)}
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, configError{fmt.Errorf("环境变量解析失败: %w", err)}
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	overCLI, err := o.overlay(flags)
	if err != nil {
		return cfg, configError{err}
	}
	return cfgpkg.Merge(cfg, overCLI), nil
}

// overlay 将显式给出的旗标转为 Config 覆盖层。
func (o *rootOpts) overlay(flags *pflag.FlagSet) (cfgpkg.Config, error) {
	over := cfgpkg.Config{FatalTolerance: -1}
	if flags == nil {
		return over, nil
	}
	over.Question = o.ask
	over.ChunkBytes = o.chunkBytes
	over.Parallelism = o.parallelism
	over.Reduce = o.reduce
	over.MaxReducePasses = o.maxPasses
	over.LLM = o.llm
	over.Output = o.output
	over.SessionDump = o.sessionDump
	over.Cache.Disabled = o.noCache
	if f := flags.Lookup("fatal-tolerance"); f != nil && f.Changed {
		over.FatalTolerance = o.fatalTol
	}
	if o.cacheTTL != "" {
		d, err := cfgpkg.ParseDuration(o.cacheTTL)
		if err != nil {
			return over, fmt.Errorf("--cache-ttl: %w", err)
		}
		over.Cache.TTL = d
	}
	if o.verbose {
		over.Logging.Level = "debug"
	}
	return over, nil
}

func findConfig() string {
	for _, name := range configCandidates {
		if st, err := os.Stat(name); err == nil && !st.IsDir() {
			return name
		}
	}
	return ""
}

// ask 为根命令的运行流程：装配 → 收集来源 → map-reduce → 写出答案。
func ask(cmd *cobra.Command, o *rootOpts, args []string) error {
	start := time.Now()
	// 位置参数与 -a 同属 CLI 层，-a 优先
	if o.ask == "" && len(args) > 0 {
		o.ask = strings.TrimSpace(strings.Join(args, " "))
	}
	cfg, err := loadConfig(o, cmd.Flags())
	if err != nil {
		return err
	}
	logger := diag.NewFileLogger(uuid.NewString(), diag.FileOptions{
		Level:    cfg.Logging.Level,
		Dir:      cfg.Logging.Dir,
		MaxBytes: cfg.Logging.MaxBytes,
		Keep:     cfg.Logging.Keep,
	})
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := cfgpkg.Assemble(ctx, cfg)
	if err != nil {
		logger.Error("config", string(diag.Classify(err)), err.Error(), &start)
		return configError{fmt.Errorf("装配失败: %w", err)}
	}
	defer func() { _ = rt.Close() }()
	if rt.CacheErr != nil {
		logger.Warn("cache", string(diag.CodeCache), rt.CacheErr.Error(), nil)
		fmt.Fprintf(cmd.ErrOrStderr(), "提示：缓存不可用，本次不使用缓存：%v\n", rt.CacheErr)
	}
	logEffective(logger, cfg, rt)

	sels := o.sels
	if len(sels) == 0 {
		for _, in := range cfg.Inputs {
			sels = append(sels, ingest.Selector{Kind: ingest.KindFile, Value: in})
		}
	}
	if len(sels) == 0 {
		return configError{errors.New("没有来源：请使用 -f/-u/-x/-t 或在配置中设置 inputs")}
	}
	store := fragment.NewStore()
	if err := ingest.Collect(ctx, rt.Reader, store, sels, logger); err != nil {
		return fmt.Errorf("读取来源失败: %w", err)
	}

	question := strings.TrimSpace(cfg.Question)
	if question == "" {
		question = pmr.DefaultQuestion
	}

	var ses *session.Session
	if cfg.SessionDump != "" {
		ses = session.New(uuid.NewString(), question)
	}

	term := diag.NewTerminal(cmd.ErrOrStderr(), o.status)
	term.RunStart(cfg.Parallelism, rt.Provider)
	met := diag.NewMetrics()
	eng, err := mapreduce.New(rt.Components, rt.Settings, mapreduce.Observability{
		Logger:   logger,
		Metrics:  met,
		Observer: term,
		Session:  ses,
	})
	if err != nil {
		return configError{fmt.Errorf("装配失败: %w", err)}
	}

	t := logger.Start("engine", "run")
	res, runErr := eng.Run(ctx, question, store.All())
	if res != nil {
		term.Context(store.Len(), res.Chunks, store.TotalBytes())
	}
	if ses != nil {
		if err := dumpSession(ctx, rt, ses, cfg.SessionDump); err != nil {
			logger.Warn("session", string(diag.Classify(err)), err.Error(), nil)
			fmt.Fprintf(cmd.ErrOrStderr(), "提示：会话导出失败：%v\n", err)
		}
	}
	if runErr != nil {
		code := diag.Classify(runErr)
		logger.Error("engine", string(code), runErr.Error(), &start)
		met.IncError("engine", code)
		term.RunFinish(false, time.Since(start))
		return fmt.Errorf("运行失败: %w", runErr)
	}
	t.Finish("run", int64(res.Calls))

	w, id, err := rt.Artifact(cfg.Output)
	if err != nil {
		term.RunFinish(false, time.Since(start))
		return fmt.Errorf("输出失败: %w", err)
	}
	answer := res.Answer
	if !strings.HasSuffix(answer, "\n") {
		answer += "\n"
	}
	if err := w.Write(ctx, id, strings.NewReader(answer)); err != nil {
		term.RunFinish(false, time.Since(start))
		return fmt.Errorf("输出失败: %w", err)
	}
	if n := len(res.Skipped); n > 0 {
		idx := make([]string, 0, n)
		for _, f := range res.Skipped {
			idx = append(idx, strconv.Itoa(f.Index))
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "提示：部分答案，跳过了 %d 个失败块（%s）\n", n, strings.Join(idx, ","))
	}
	logger.InfoFinish("engine", fmt.Sprintf("chunks=%d calls=%d retries=%d cache_hits=%d",
		res.Chunks, res.Calls, res.Retries, res.CacheHits), start, int64(res.Chunks))
	term.RunFinish(true, time.Since(start))
	return nil
}

func dumpSession(ctx context.Context, rt *cfgpkg.Runtime, ses *session.Session, path string) error {
	w, id, err := rt.Artifact(path)
	if err != nil {
		return err
	}
	return ses.Dump(ctx, w, id)
}

// logEffective 以 debug 输出生效配置（不含密钥）。
func logEffective(logger *diag.Logger, cfg cfgpkg.Config, rt *cfgpkg.Runtime) {
	kv := map[string]string{
		"inputs_count":    strconv.Itoa(len(cfg.Inputs)),
		"parallelism":     strconv.Itoa(cfg.Parallelism),
		"chunk_bytes":     strconv.Itoa(cfg.ChunkBytes),
		"max_chunk_bytes": strconv.Itoa(rt.Settings.MaxChunkBytes),
		"reduce":          cfg.Reduce,
		"llm":             cfg.LLM,
		"provider_client": rt.Client,
		"model":           rt.Settings.Params.ModelID,
		"cache":           strconv.FormatBool(rt.Cache != nil),
		"splitter":        cfg.Components.Splitter,
		"prompt_builder":  cfg.Components.PromptBuilder,
		"assembler":       cfg.Components.Assembler,
		"writer":          cfg.Components.Writer,
	}
	logger.DebugStart("config", "effective", "", "", kv)
}

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}
