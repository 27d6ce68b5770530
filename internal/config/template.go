package config

import (
	"encoding/json"
	"strings"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用离线 echo 后端（无需密钥），同时列出各在线 provider 的全部选项键；
// - 输出到标准输出，缓存使用默认位置；
// - 组件名与选项采用仓库内置实现的中性默认值。
func DefaultTemplateConfig() Config {
	cfg := Defaults()
	cfg.LLM = "echo"
	cfg.Params = Params{MaxTokens: 0}
	cfg.Provider = map[string]Provider{
		"echo": {
			Client:  "echo",
			Options: json.RawMessage(`{"prefix":"","api_key":"","response_mode":"digest"}`),
			Limits:  Limits{RPM: 600, TPM: 0, MaxTokensPerReq: 0},
		},
		"openai": {
			Client: "openai",
			Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 120,
  "temperature": null,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
		},
		"gemini": {
			Client: "gemini",
			Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "",
  "api_key": "",
  "timeout_seconds": 120
}`),
			Limits: Limits{RPM: 10, TPM: 250000},
		},
		"anthropic": {
			Client: "anthropic",
			Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "ANTHROPIC_API_KEY",
  "api_key": "",
  "max_tokens": 4096,
  "timeout_seconds": 120
}`),
			Limits: Limits{RPM: 50},
		},
	}
	cfg.Options.ReaderFS = json.RawMessage(`{
  "exclude_dir_names": [".git", "__pycache__"],
  "sniff_bytes": 8192
}`)
	cfg.Options.ReaderWeb = json.RawMessage(`{
  "timeout_seconds": 30,
  "attempts": 3,
  "retry_delay_ms": 5000,
  "user_agent": "",
  "max_bytes": 16777216,
  "alias_urls": {}
}`)
	cfg.Options.ReaderCommand = json.RawMessage(`{
  "shell": "sh",
  "timeout_seconds": 60,
  "max_bytes": 16777216
}`)
	cfg.Options.Splitter = json.RawMessage(`{"slice_oversized": true}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system": "",
  "system_path": "",
  "inline_map_template": "",
  "map_template_path": "",
  "inline_reduce_template": "",
  "reduce_template_path": "",
  "disable_wrap": false
}`)
	cfg.Options.Assembler = json.RawMessage(`{"no_fence": false}`)
	return cfg
}

// DotEnvTemplate 返回 .env 模板正文：列出支持的覆盖项与常见 Provider 密钥。
func DotEnvTemplate() string {
	var b strings.Builder
	b.WriteString("# longctx .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源\n")
	b.WriteString(EnvPrefix + "CONFIG_FILE=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{
		"INPUTS", "QUESTION", "CHUNK_BYTES", "PARALLELISM", "REDUCE", "MAX_REDUCE_PASSES",
		"FATAL_TOLERANCE", "BYTES_PER_TOKEN", "CALL_TIMEOUT",
		"RETRY_MAX_ATTEMPTS", "RETRY_BASE_DELAY", "RETRY_MAX_DELAY",
		"CACHE_DISABLED", "CACHE_PATH", "CACHE_TTL", "CACHE_CODEC",
		"LOG_LEVEL", "OUTPUT", "SESSION_DUMP", "LLM",
	} {
		b.WriteString(EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 组件选择\n")
	for _, k := range []string{"SPLITTER", "PROMPT_BUILDER", "ASSEMBLER", "WRITER"} {
		b.WriteString(EnvPrefix + "COMPONENTS_" + k + "=\n")
	}
	for _, p := range []string{"openai", "gemini", "anthropic"} {
		b.WriteString("\n# Provider 覆盖（" + p + "）\n")
		for _, f := range []string{"CLIENT", "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ", "OPTIONS_JSON"} {
			b.WriteString(EnvPrefix + "PROVIDER__" + p + "__" + f + "=\n")
		}
	}
	b.WriteString("\n# 常见供应商 API Key（由后端直接读取，不经前缀）\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("GOOGLE_API_KEY=\n")
	b.WriteString("ANTHROPIC_API_KEY=\n")
	return b.String()
}
