package registry

import (
	"bytes"
	"encoding/json"
	"time"

	"longctx/pkg/contract"
	linear "longctx/plugins/assembler/linear"
	ant "longctx/plugins/backend/anthropic"
	echo "longctx/plugins/backend/echo"
	flaky "longctx/plugins/backend/flaky"
	gmi "longctx/plugins/backend/gemini"
	oai "longctx/plugins/backend/openai"
	pmr "longctx/plugins/prompt/mapreduce"
	rcmd "longctx/plugins/reader/command"
	rfs "longctx/plugins/reader/filesystem"
	rweb "longctx/plugins/reader/web"
	blk "longctx/plugins/splitter/blocks"
	lpk "longctx/plugins/splitter/linepack"
	wfs "longctx/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Deps: 装配期注入、无法经 JSON 表达的依赖。
type Deps struct {
	// ContentCache: web Reader 的内容缓存（可为空）。
	ContentCache rweb.ContentCache
	CacheTTL     time.Duration
}

// NewReader 工厂签名：接收原样 JSON Options 与注入依赖。
type NewReader func(raw json.RawMessage, deps Deps) (contract.Reader, error)

// NewSplitter 工厂签名：接收原样 JSON Options。
type NewSplitter func(raw json.RawMessage) (contract.Splitter, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewBackend 工厂签名：接收原样 JSON Options。
type NewBackend func(raw json.RawMessage) (contract.ModelBackend, error)

// NewAssembler 工厂签名：接收原样 JSON Options。
type NewAssembler func(raw json.RawMessage) (contract.Assembler, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// ReaderOrder: 选择子分派顺序；fs 兜底，须在最后。
var ReaderOrder = []string{"web", "command", "fs"}

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件、目录、行区间与 STDIN
	"fs": func(raw json.RawMessage, _ Deps) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
	// web: http(s) 与 bts:/buildd:/archwiki: 别名
	"web": func(raw json.RawMessage, deps Deps) (contract.Reader, error) {
		var opts rweb.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		opts.Cache = deps.ContentCache
		opts.CacheTTL = deps.CacheTTL
		return rweb.New(&opts), nil
	},
	// command: cmd:/man:/tldr:
	"command": func(raw json.RawMessage, _ Deps) (contract.Reader, error) {
		var opts rcmd.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rcmd.New(&opts), nil
	},
}

// Splitter 工厂注册表。
var Splitter = map[string]NewSplitter{
	// linepack: 按片段贪心装箱，超限片段按行切片
	"linepack": func(raw json.RawMessage) (contract.Splitter, error) {
		var opts lpk.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return lpk.New(&opts), nil
	},
	// blocks: 超限片段优先在空行分隔的块边界切片（字幕、段落）
	"blocks": func(raw json.RawMessage) (contract.Splitter, error) {
		var opts blk.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return blk.New(&opts), nil
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	"mapreduce": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts pmr.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pmr.New(&opts)
	},
}

// Backend 工厂注册表；各实现自行严格解码 Options。
var Backend = map[string]NewBackend{
	"openai":    func(raw json.RawMessage) (contract.ModelBackend, error) { return oai.New(raw) },
	"gemini":    func(raw json.RawMessage) (contract.ModelBackend, error) { return gmi.New(raw) },
	"anthropic": func(raw json.RawMessage) (contract.ModelBackend, error) { return ant.New(raw) },
	"echo":      func(raw json.RawMessage) (contract.ModelBackend, error) { return echo.New(raw) },
	"flaky":     func(raw json.RawMessage) (contract.ModelBackend, error) { return flaky.New(raw) },
}

// Assembler 工厂注册表。
var Assembler = map[string]NewAssembler{
	// linear: 按块序拼接答案（默认 ``` 围栏）
	"linear": func(raw json.RawMessage) (contract.Assembler, error) { return linear.New(raw) },
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer；"-" 写往标准输出
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}
