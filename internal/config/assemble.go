package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"longctx/internal/cache"
	"longctx/internal/ingest"
	"longctx/internal/mapreduce"
	"longctx/internal/prompt"
	"longctx/internal/rate"
	"longctx/pkg/contract"
	"longctx/pkg/registry"
	wfs "longctx/plugins/writer/filesystem"
)

// minChunkBytes: 扣除提示词开销后的块预算下限。
const minChunkBytes = 1024

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	for _, in := range cfg.Inputs {
		if strings.TrimSpace(in) == "" {
			return errors.New("config: input cannot be empty")
		}
	}
	if cfg.ChunkBytes <= 0 {
		return errors.New("config: chunk_bytes must be > 0")
	}
	if cfg.Parallelism < 1 {
		return errors.New("config: parallelism must be >= 1")
	}
	if _, err := mapreduce.ParseReduceMode(cfg.Reduce); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.MaxReducePasses < 1 {
		return errors.New("config: max_reduce_passes must be >= 1")
	}
	if cfg.FatalTolerance < 0 {
		return errors.New("config: fatal_tolerance must be >= 0")
	}
	if cfg.BytesPerToken <= 0 {
		return errors.New("config: bytes_per_token must be > 0")
	}
	if cfg.CallTimeout < 0 {
		return errors.New("config: call_timeout must be >= 0")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("config: retry.max_attempts must be >= 1")
	}
	if cfg.Retry.BaseDelay < 0 || cfg.Retry.MaxDelay < 0 || cfg.Retry.Multiplier < 0 {
		return errors.New("config: retry delays and multiplier must be >= 0")
	}
	if !cfg.Cache.Disabled {
		if _, err := cache.ParseCodec(cfg.Cache.Codec); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if cfg.Logging.MaxBytes < 0 || cfg.Logging.Keep < 0 {
		return errors.New("config: logging.max_bytes and logging.keep must be >= 0")
	}
	if strings.TrimSpace(cfg.Output) == "" {
		return errors.New("config: output cannot be empty")
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, err := providerFor(cfg)
	if err != nil {
		return err
	}
	if registry.Backend[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered", prov.Client)
	}
	if prov.Limits.MaxTokensPerReq > 0 && cfg.Params.MaxTokens > prov.Limits.MaxTokensPerReq {
		return fmt.Errorf("config: params.max_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.Params.MaxTokens, prov.Limits.MaxTokensPerReq)
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	d := Defaults().Components
	if name := effName(cfg.Components.Splitter, d.Splitter); registry.Splitter[name] == nil {
		return fmt.Errorf("config: splitter %q not registered", name)
	}
	if name := effName(cfg.Components.PromptBuilder, d.PromptBuilder); registry.PromptBuilder[name] == nil {
		return fmt.Errorf("config: prompt_builder %q not registered", name)
	}
	if name := effName(cfg.Components.Assembler, d.Assembler); registry.Assembler[name] == nil {
		return fmt.Errorf("config: assembler %q not registered", name)
	}
	if name := effName(cfg.Components.Writer, d.Writer); registry.Writer[name] == nil {
		return fmt.Errorf("config: writer %q not registered", name)
	}
	return nil
}

// providerFor: 显式定义优先；未定义但与内置后端同名时按默认选项使用。
func providerFor(cfg Config) (Provider, error) {
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		if p.Client == "" {
			return p, fmt.Errorf("config: provider %q missing client", cfg.LLM)
		}
		return p, nil
	}
	if registry.Backend[cfg.LLM] != nil {
		return Provider{Client: cfg.LLM}, nil
	}
	return Provider{}, fmt.Errorf("config: provider %q not found", cfg.LLM)
}

// Runtime 为装配完成的运行期对象。
type Runtime struct {
	Reader     *ingest.Router
	Components mapreduce.Components
	Settings   mapreduce.Settings
	Writer     contract.Writer
	// Cache 为空表示禁用或不可用；不可用原因见 CacheErr（降级为无缓存运行）。
	Cache    *cache.Cache
	CacheErr error
	// Provider: 配置中的 provider 名；Client: 后端实现名。
	Provider string
	Client   string

	writerName string
	customOut  bool
}

// Close 释放缓存连接；nil 安全。
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	return rt.Cache.Close()
}

// Artifact 将路径映射为 Writer 与 ArtifactID。
// "-" 为标准输出；配置了 writer 选项时路径相对其 output_dir，否则按所在目录构造 Writer。
func (rt *Runtime) Artifact(path string) (contract.Writer, contract.ArtifactID, error) {
	if path == "" || contract.ArtifactID(path) == wfs.StdoutID {
		return rt.Writer, wfs.StdoutID, nil
	}
	if rt.customOut {
		return rt.Writer, contract.ArtifactID(path), nil
	}
	raw, err := json.Marshal(map[string]string{"output_dir": filepath.Dir(path)})
	if err != nil {
		return nil, "", err
	}
	w, err := registry.Writer[rt.writerName](raw)
	if err != nil {
		return nil, "", err
	}
	return w, contract.ArtifactID(filepath.Base(path)), nil
}

// Assemble 构造 Reader 路由、引擎 Components/Settings、Writer、缓存与限流 Gate+Key。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
// 缓存打开失败不视为错误：记录在 CacheErr 并以无缓存运行。
func Assemble(ctx context.Context, cfg Config) (*Runtime, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	d := Defaults().Components
	sn := effName(cfg.Components.Splitter, d.Splitter)
	pn := effName(cfg.Components.PromptBuilder, d.PromptBuilder)
	an := effName(cfg.Components.Assembler, d.Assembler)
	wn := effName(cfg.Components.Writer, d.Writer)

	sp, err := registry.Splitter[sn](cfg.Options.Splitter)
	if err != nil {
		return nil, fmt.Errorf("splitter %s: %w", sn, err)
	}
	pb, err := registry.PromptBuilder[pn](cfg.Options.PromptBuilder)
	if err != nil {
		return nil, fmt.Errorf("prompt_builder %s: %w", pn, err)
	}
	asm, err := registry.Assembler[an](cfg.Options.Assembler)
	if err != nil {
		return nil, fmt.Errorf("assembler %s: %w", an, err)
	}
	w, err := registry.Writer[wn](cfg.Options.Writer)
	if err != nil {
		return nil, fmt.Errorf("writer %s: %w", wn, err)
	}

	prov, _ := providerFor(cfg)
	backend, err := registry.Backend[prov.Client](prov.Options)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", prov.Client, err)
	}

	rt := &Runtime{
		Writer:     w,
		Provider:   cfg.LLM,
		Client:     prov.Client,
		writerName: wn,
		customOut:  isSet(cfg.Options.Writer),
	}
	if !cfg.Cache.Disabled {
		rt.Cache, rt.CacheErr = OpenCache(ctx, cfg.Cache)
	}

	deps := registry.Deps{}
	if rt.Cache != nil {
		deps.ContentCache = rt.Cache
	}
	readers := make([]contract.Reader, 0, len(registry.ReaderOrder))
	for _, name := range registry.ReaderOrder {
		r, err := registry.Reader[name](readerOptions(cfg.Options, name), deps)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("reader %s: %w", name, err)
		}
		readers = append(readers, r)
	}
	// 最后一个（fs）兜底
	rt.Reader = ingest.NewRouter(readers[len(readers)-1], readers[:len(readers)-1]...)

	// 限流 Gate（按 provider 限额构造；分组键从 options 中派生 API Key）
	key, derr := rate.DeriveKeyFromBackendOptions(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	rt.Components = mapreduce.Components{
		Backend:       backend,
		Splitter:      sp,
		PromptBuilder: pb,
		Assembler:     asm,
		Gate:          gate,
		GateKey:       key,
	}
	if rt.Cache != nil {
		rt.Components.Cache = rt.Cache
	}

	mode, _ := mapreduce.ParseReduceMode(cfg.Reduce)
	rt.Settings = mapreduce.Settings{
		MaxChunkBytes:   prompt.EffectiveChunkBytes(pb, cfg.BytesPerToken, cfg.ChunkBytes, min(cfg.ChunkBytes, minChunkBytes)),
		Parallelism:     cfg.Parallelism,
		Reduce:          mode,
		MaxReducePasses: cfg.MaxReducePasses,
		FatalTolerance:  cfg.FatalTolerance,
		CacheTTL:        cfg.Cache.TTL.Std(),
		CallTimeout:     cfg.CallTimeout.Std(),
		BytesPerToken:   cfg.BytesPerToken,
		Params: contract.Params{
			ModelID:     modelOf(backend),
			Temperature: cfg.Params.Temperature,
			TopP:        cfg.Params.TopP,
			MaxTokens:   cfg.Params.MaxTokens,
			Timeout:     cfg.CallTimeout.Std(),
		},
		Retry: mapreduce.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay.Std(),
			Multiplier:  cfg.Retry.Multiplier,
			MaxDelay:    cfg.Retry.MaxDelay.Std(),
		},
	}
	return rt, nil
}

func readerOptions(o Options, name string) json.RawMessage {
	switch name {
	case "fs":
		return o.ReaderFS
	case "web":
		return o.ReaderWeb
	case "command":
		return o.ReaderCommand
	default:
		return nil
	}
}

// modelOf: 缓存键中的模型标识；后端未暴露模型名时退化为后端名。
func modelOf(b contract.ModelBackend) string {
	if m, ok := b.(interface{ Model() string }); ok {
		if s := m.Model(); s != "" {
			return s
		}
	}
	return b.Name()
}

// CachePath 返回缓存文件路径；未配置时位于用户缓存目录下。
func CachePath(c Cache) (string, error) {
	if p := strings.TrimSpace(c.Path); p != "" {
		return p, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("%w: %w", contract.ErrCacheUnavailable, err)
	}
	return filepath.Join(dir, "longctx", "cache.db"), nil
}

// OpenCache 按配置打开持久缓存。
func OpenCache(ctx context.Context, c Cache) (*cache.Cache, error) {
	path, err := CachePath(c)
	if err != nil {
		return nil, err
	}
	codec, err := cache.ParseCodec(c.Codec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", contract.ErrCacheUnavailable, err)
	}
	return cache.Open(ctx, cache.Options{Path: path, Codec: codec})
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
