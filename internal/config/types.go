package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 文件使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Inputs: 默认来源（等价于依次给出的 -f），CLI 选择子非空时被替换。
	Inputs   []string `json:"inputs"`
	Question string   `json:"question"`

	// ChunkBytes: 每块字节预算（扣除提示词开销前）。
	ChunkBytes      int    `json:"chunk_bytes"`
	Parallelism     int    `json:"parallelism"`
	Reduce          string `json:"reduce"`
	MaxReducePasses int    `json:"max_reduce_passes"`
	// FatalTolerance: 容忍的 map 致命失败块数；-1 表示未设置（仅用于覆盖层）。
	FatalTolerance int      `json:"fatal_tolerance"`
	BytesPerToken  int      `json:"bytes_per_token"`
	CallTimeout    Duration `json:"call_timeout"`
	Retry          Retry    `json:"retry"`
	Cache          Cache    `json:"cache"`
	Logging        Logging  `json:"logging"`

	// Output: 最终答案的 ArtifactID；"-" 为标准输出。
	Output      string `json:"output"`
	SessionDump string `json:"session_dump"`
	Params      Params `json:"params"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Retry: 模型调用退避策略。
type Retry struct {
	MaxAttempts int      `json:"max_attempts"`
	BaseDelay   Duration `json:"base_delay"`
	Multiplier  float64  `json:"multiplier"`
	MaxDelay    Duration `json:"max_delay"`
}

// Cache: 持久结果缓存。Path 为空时落在用户缓存目录。
type Cache struct {
	Disabled bool     `json:"disabled"`
	Path     string   `json:"path"`
	TTL      Duration `json:"ttl"`
	Codec    string   `json:"codec"`
}

// Logging: 等级与文件轮转；零值沿用 diag 默认。
type Logging struct {
	Level    string `json:"level"`
	Dir      string `json:"dir"`
	MaxBytes int64  `json:"max_bytes"`
	Keep     int    `json:"keep"`
}

// Params: 影响模型输出的参数，参与缓存键。
type Params struct {
	Temperature *float64 `json:"temperature"`
	TopP        *float64 `json:"top_p"`
	MaxTokens   int      `json:"max_tokens"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Splitter      string `json:"splitter"`
	PromptBuilder string `json:"prompt_builder"`
	Assembler     string `json:"assembler"`
	Writer        string `json:"writer"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	ReaderFS      json.RawMessage `json:"reader_fs,omitempty"`
	ReaderWeb     json.RawMessage `json:"reader_web,omitempty"`
	ReaderCommand json.RawMessage `json:"reader_command,omitempty"`
	Splitter      json.RawMessage `json:"splitter,omitempty"`
	PromptBuilder json.RawMessage `json:"prompt_builder,omitempty"`
	Assembler     json.RawMessage `json:"assembler,omitempty"`
	Writer        json.RawMessage `json:"writer,omitempty"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options,omitempty"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}

// Duration 以 "1m30s" 形式出现在配置中；数字按秒解释。
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		v, err := ParseDuration(str)
		if err != nil {
			return err
		}
		*d = v
		return nil
	}
	var sec float64
	if err := json.Unmarshal(b, &sec); err != nil {
		return fmt.Errorf("duration: %s", s)
	}
	*d = Duration(sec * float64(time.Second))
	return nil
}

// ParseDuration 接受 time.ParseDuration 语法，另支持 "30d" 这类天数。
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, ok := strings.CutSuffix(s, "d"); ok {
		var days float64
		if _, err := fmt.Sscanf(n, "%g", &days); err == nil {
			return Duration(days * float64(24*time.Hour)), nil
		}
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("duration: %w", err)
	}
	return Duration(v), nil
}
