package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"longctx/internal/cache"
)

// EnvPrefix: 环境变量覆盖层前缀。
const EnvPrefix = "LONGCTX_"

// DefaultChunkBytes: 每块字节预算的默认值。
const DefaultChunkBytes = 64 << 10

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由文件/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		ChunkBytes:      DefaultChunkBytes,
		Parallelism:     4,
		Reduce:          "compact",
		MaxReducePasses: 8,
		FatalTolerance:  0,
		BytesPerToken:   4,
		CallTimeout:     Duration(120 * time.Second),
		Retry: Retry{
			MaxAttempts: 5,
			BaseDelay:   Duration(time.Second),
			Multiplier:  2,
			MaxDelay:    Duration(time.Minute),
		},
		Cache:   Cache{TTL: Duration(cache.DefaultTTL), Codec: "lz4"},
		Logging: Logging{Level: "info"},
		Output:  "-",
		Components: Components{
			Splitter:      "linepack",
			PromptBuilder: "mapreduce",
			Assembler:     "linear",
			Writer:        "fs",
		},
	}
}

// Load 按扩展名解析配置文件：.json/.jsonc（允许注释与尾逗号）、.yaml/.yml、.toml。
// 各格式统一折算为 JSON 后严格解码，Options 子树保持原样 JSON。
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{FatalTolerance: -1}, err
	}
	raw, err := normalize(path, b)
	if err != nil {
		return Config{FatalTolerance: -1}, fmt.Errorf("config %s: %w", path, err)
	}
	return LoadJSON("", raw)
}

func normalize(path string, b []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var tree map[string]any
		if err := yaml.Unmarshal(b, &tree); err != nil {
			return nil, err
		}
		return json.Marshal(tree)
	case ".toml":
		var tree map[string]any
		if err := toml.Unmarshal(b, &tree); err != nil {
			return nil, err
		}
		return json.Marshal(tree)
	default:
		return jsonc.ToJSON(b), nil
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
// 未出现的 fatal_tolerance 保持 -1，合并时不覆盖。
func LoadJSON(path string, raw []byte) (Config, error) {
	cfg := Config{FatalTolerance: -1}
	switch {
	case len(raw) > 0:
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		raw = jsonc.ToJSON(b)
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{FatalTolerance: -1}, err
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	if s := strings.TrimSpace(over.Question); s != "" {
		out.Question = over.Question
	}
	if over.ChunkBytes != 0 {
		out.ChunkBytes = over.ChunkBytes
	}
	if over.Parallelism != 0 {
		out.Parallelism = over.Parallelism
	}
	if s := strings.TrimSpace(over.Reduce); s != "" {
		out.Reduce = s
	}
	if over.MaxReducePasses != 0 {
		out.MaxReducePasses = over.MaxReducePasses
	}
	// 0 具有语义（任一失败即失败），-1 视为未覆盖。
	if over.FatalTolerance >= 0 {
		out.FatalTolerance = over.FatalTolerance
	}
	if over.BytesPerToken != 0 {
		out.BytesPerToken = over.BytesPerToken
	}
	if over.CallTimeout != 0 {
		out.CallTimeout = over.CallTimeout
	}

	// Retry（逐字段）
	if over.Retry.MaxAttempts != 0 {
		out.Retry.MaxAttempts = over.Retry.MaxAttempts
	}
	if over.Retry.BaseDelay != 0 {
		out.Retry.BaseDelay = over.Retry.BaseDelay
	}
	if over.Retry.Multiplier != 0 {
		out.Retry.Multiplier = over.Retry.Multiplier
	}
	if over.Retry.MaxDelay != 0 {
		out.Retry.MaxDelay = over.Retry.MaxDelay
	}

	// Cache：disabled 只能打开
	if over.Cache.Disabled {
		out.Cache.Disabled = true
	}
	if s := strings.TrimSpace(over.Cache.Path); s != "" {
		out.Cache.Path = s
	}
	if over.Cache.TTL != 0 {
		out.Cache.TTL = over.Cache.TTL
	}
	if s := strings.TrimSpace(over.Cache.Codec); s != "" {
		out.Cache.Codec = s
	}

	if strings.TrimSpace(over.Logging.Level) != "" {
		out.Logging.Level = strings.TrimSpace(over.Logging.Level)
	}
	if s := strings.TrimSpace(over.Logging.Dir); s != "" {
		out.Logging.Dir = s
	}
	if over.Logging.MaxBytes != 0 {
		out.Logging.MaxBytes = over.Logging.MaxBytes
	}
	if over.Logging.Keep != 0 {
		out.Logging.Keep = over.Logging.Keep
	}
	if s := strings.TrimSpace(over.Output); s != "" {
		out.Output = s
	}
	if s := strings.TrimSpace(over.SessionDump); s != "" {
		out.SessionDump = s
	}

	if over.Params.Temperature != nil {
		v := *over.Params.Temperature
		out.Params.Temperature = &v
	}
	if over.Params.TopP != nil {
		v := *over.Params.TopP
		out.Params.TopP = &v
	}
	if over.Params.MaxTokens != 0 {
		out.Params.MaxTokens = over.Params.MaxTokens
	}

	// 组件名（空不覆盖）
	if over.Components.Splitter != "" {
		out.Components.Splitter = over.Components.Splitter
	}
	if over.Components.PromptBuilder != "" {
		out.Components.PromptBuilder = over.Components.PromptBuilder
	}
	if over.Components.Assembler != "" {
		out.Components.Assembler = over.Components.Assembler
	}
	if over.Components.Writer != "" {
		out.Components.Writer = over.Components.Writer
	}

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		prov := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			prov[k] = v
		}
		for k, v := range over.Provider {
			prov[k] = v
		}
		out.Provider = prov
	}

	// Options（完整替换对应键）
	replaceRaw(&out.Options.ReaderFS, over.Options.ReaderFS)
	replaceRaw(&out.Options.ReaderWeb, over.Options.ReaderWeb)
	replaceRaw(&out.Options.ReaderCommand, over.Options.ReaderCommand)
	replaceRaw(&out.Options.Splitter, over.Options.Splitter)
	replaceRaw(&out.Options.PromptBuilder, over.Options.PromptBuilder)
	replaceRaw(&out.Options.Assembler, over.Options.Assembler)
	replaceRaw(&out.Options.Writer, over.Options.Writer)

	if strings.TrimSpace(over.LLM) != "" {
		out.LLM = strings.TrimSpace(over.LLM)
	}
	return out
}

func replaceRaw(dst *json.RawMessage, over json.RawMessage) {
	if isSet(over) {
		*dst = cloneRaw(over)
	}
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 LONGCTX_；集合之外的键忽略；无法解析的数值返回错误。
// 支持：INPUTS, QUESTION, CHUNK_BYTES, PARALLELISM, REDUCE, MAX_REDUCE_PASSES,
// FATAL_TOLERANCE, BYTES_PER_TOKEN, CALL_TIMEOUT, RETRY_*, CACHE_*, LOG_LEVEL,
// OUTPUT, SESSION_DUMP, LLM, COMPONENTS_*,
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	// -1 表示未设置，以便 Merge 能区分“未覆盖”和“显式设置为 0”。
	over.FatalTolerance = -1
	prov := map[string]Provider{}
	var errs []error
	intVar := func(key, val string, dst *int) {
		v, err := atoi(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = v
	}
	durVar := func(key, val string, dst *Duration) {
		v, err := ParseDuration(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = v
	}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		key, val, ok := strings.Cut(kv, "=")
		if !ok || len(key) <= len(EnvPrefix) {
			continue
		}
		// 空值视为未设置（.env 模板中的空行）
		if strings.TrimSpace(val) == "" {
			continue
		}
		nk := strings.TrimPrefix(key, EnvPrefix)
		switch nk {
		case "INPUTS":
			over.Inputs = splitComma(val)
		case "QUESTION":
			over.Question = val
		case "CHUNK_BYTES":
			intVar(nk, val, &over.ChunkBytes)
		case "PARALLELISM":
			intVar(nk, val, &over.Parallelism)
		case "REDUCE":
			over.Reduce = strings.TrimSpace(val)
		case "MAX_REDUCE_PASSES":
			intVar(nk, val, &over.MaxReducePasses)
		case "FATAL_TOLERANCE":
			intVar(nk, val, &over.FatalTolerance)
		case "BYTES_PER_TOKEN":
			intVar(nk, val, &over.BytesPerToken)
		case "CALL_TIMEOUT":
			durVar(nk, val, &over.CallTimeout)
		case "RETRY_MAX_ATTEMPTS":
			intVar(nk, val, &over.Retry.MaxAttempts)
		case "RETRY_BASE_DELAY":
			durVar(nk, val, &over.Retry.BaseDelay)
		case "RETRY_MAX_DELAY":
			durVar(nk, val, &over.Retry.MaxDelay)
		case "CACHE_DISABLED":
			b, err := strconv.ParseBool(strings.TrimSpace(val))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, nk, err))
				continue
			}
			over.Cache.Disabled = b
		case "CACHE_PATH":
			over.Cache.Path = strings.TrimSpace(val)
		case "CACHE_TTL":
			durVar(nk, val, &over.Cache.TTL)
		case "CACHE_CODEC":
			over.Cache.Codec = strings.TrimSpace(val)
		case "LOG_LEVEL":
			over.Logging.Level = strings.TrimSpace(val)
		case "LOG_DIR":
			over.Logging.Dir = strings.TrimSpace(val)
		case "LOG_MAX_BYTES":
			b, err := humanize.ParseBytes(strings.TrimSpace(val))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, nk, err))
				continue
			}
			over.Logging.MaxBytes = int64(b)
		case "LOG_KEEP":
			intVar(nk, val, &over.Logging.Keep)
		case "OUTPUT":
			over.Output = strings.TrimSpace(val)
		case "SESSION_DUMP":
			over.SessionDump = strings.TrimSpace(val)
		case "LLM":
			over.LLM = strings.TrimSpace(val)
		case "COMPONENTS_SPLITTER":
			over.Components.Splitter = strings.TrimSpace(val)
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = strings.TrimSpace(val)
		case "COMPONENTS_ASSEMBLER":
			over.Components.Assembler = strings.TrimSpace(val)
		case "COMPONENTS_WRITER":
			over.Components.Writer = strings.TrimSpace(val)
		default:
			// provider.* 路径：PROVIDER__name__FOO
			if !strings.HasPrefix(nk, "PROVIDER__") {
				continue
			}
			parts := strings.Split(nk, "__")
			if len(parts) < 3 {
				continue
			}
			name := strings.TrimSpace(parts[1])
			field := strings.Join(parts[2:], "__")
			p := prov[name]
			changed := false
			switch field {
			case "CLIENT":
				p.Client = strings.TrimSpace(val)
				changed = true
			case "LIMITS_RPM":
				if v, err := atoi(val); err == nil {
					p.Limits.RPM = v
					changed = true
				}
			case "LIMITS_TPM":
				if v, err := atoi(val); err == nil {
					p.Limits.TPM = v
					changed = true
				}
			case "LIMITS_MAX_TOKENS_PER_REQ":
				if v, err := atoi(val); err == nil {
					p.Limits.MaxTokensPerReq = v
					changed = true
				}
			case "OPTIONS_JSON":
				if !json.Valid([]byte(val)) {
					errs = append(errs, fmt.Errorf("%s%s: invalid json", EnvPrefix, nk))
					continue
				}
				p.Options = json.RawMessage(val)
				changed = true
			}
			// 仅在发生有效变更时记录该 provider；避免空值覆盖配置文件
			if changed {
				prov[name] = p
			}
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, errors.Join(errs...)
}

// isSet: 原样 JSON 非空且不为 null。
func isSet(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && !bytes.Equal(t, []byte("null"))
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
