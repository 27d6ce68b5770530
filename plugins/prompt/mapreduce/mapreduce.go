package mapreduce

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/zeebo/blake3"

	"longctx/pkg/contract"
)

// DefaultQuestion 在用户未提问时使用。
const DefaultQuestion = "summarize the provided contents."

// Options 为 map/reduce PromptBuilder 的最小配置。
// 模板二选一（inline 优先），均为空时使用内置默认模板。
// 模板数据：{{.Question}}、{{.Context}}。
type Options struct {
	InlineSystem         string `json:"inline_system"`
	SystemPath           string `json:"system_path"`
	InlineMapTemplate    string `json:"inline_map_template"`
	MapTemplatePath      string `json:"map_template_path"`
	InlineReduceTemplate string `json:"inline_reduce_template"`
	ReduceTemplatePath   string `json:"reduce_template_path"`
	// DisableWrap: 不为切片添加来源说明与代码围栏。
	DisableWrap bool `json:"disable_wrap"`
}

// Builder: 构造期解析模板；运行期纯计算。
type Builder struct {
	sys     string
	mapT    *template.Template
	reduceT *template.Template
	directT *template.Template
	wrap    bool
	version string
}

type tplData struct {
	Question string
	Context  string
}

// New 创建 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	sys, err := pick(o.InlineSystem, o.SystemPath, "")
	if err != nil {
		return nil, fmt.Errorf("system read: %w", err)
	}
	mapSrc, err := pick(o.InlineMapTemplate, o.MapTemplatePath, defaultMapTemplate)
	if err != nil {
		return nil, fmt.Errorf("map template read: %w", err)
	}
	reduceSrc, err := pick(o.InlineReduceTemplate, o.ReduceTemplatePath, defaultReduceTemplate)
	if err != nil {
		return nil, fmt.Errorf("reduce template read: %w", err)
	}
	b := &Builder{sys: sys, wrap: !o.DisableWrap}
	if b.mapT, err = template.New("map").Parse(mapSrc); err != nil {
		return nil, fmt.Errorf("map template parse: %w", err)
	}
	if b.reduceT, err = template.New("reduce").Parse(reduceSrc); err != nil {
		return nil, fmt.Errorf("reduce template parse: %w", err)
	}
	b.directT = template.Must(template.New("direct").Parse(defaultDirectTemplate))

	// 模板与包装方式共同决定输出形状，参与缓存键
	h := blake3.New()
	for _, s := range []string{sys, mapSrc, reduceSrc, defaultDirectTemplate, fmt.Sprint(b.wrap)} {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}
	b.version = "mr1-" + hex.EncodeToString(h.Sum(nil)[:8])
	return b, nil
}

func pick(inline, path, def string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return def, nil
}

func (b *Builder) render(t *template.Template, question, ctx string) string {
	var buf bytes.Buffer
	// 数据为纯字符串，模板已在构造期校验
	_ = t.Execute(&buf, tplData{Question: question, Context: ctx})
	return buf.String()
}

func (b *Builder) messages(user string) []contract.Message {
	if b.sys == "" {
		return []contract.Message{{Role: contract.RoleUser, Content: user}}
	}
	return []contract.Message{
		{Role: contract.RoleSystem, Content: b.sys},
		{Role: contract.RoleUser, Content: user},
	}
}

// Map: 单个 Chunk 的抽取提示。
func (b *Builder) Map(question string, c contract.Chunk) []contract.Message {
	return b.messages(b.render(b.mapT, question, b.RenderChunk(c)))
}

// Reduce: 对已装配的各块答案做聚合。
func (b *Builder) Reduce(question, combined string) []contract.Message {
	return b.messages(b.render(b.reduceT, question, combined))
}

// Direct: 上下文可一次装下时直接提问（context 可为空）。
func (b *Builder) Direct(question, context string) []contract.Message {
	return b.messages(b.render(b.directT, question, context))
}

func (b *Builder) Version() string { return b.version }

// RenderChunk 为每个切片加上来源说明与围栏；部分切片注明行区间。
func (b *Builder) RenderChunk(c contract.Chunk) string {
	if !b.wrap {
		return c.RenderedText
	}
	var sb strings.Builder
	sb.Grow(c.ByteLength + 64*len(c.Slices))
	for _, s := range c.Slices {
		label := Label(s.Fragment)
		if s.Partial() {
			fmt.Fprintf(&sb, "Here is the %s (lines %d-%d):\n", label, s.FromLine, s.ToLine)
		} else {
			fmt.Fprintf(&sb, "Here is the %s:\n", label)
		}
		sb.WriteString("```\n")
		sb.WriteString(s.Text)
		if !strings.HasSuffix(s.Text, "\n") {
			sb.WriteByte('\n')
		}
		sb.WriteString("```\n")
	}
	return sb.String()
}

// Label 返回片段在提示中的来源描述。
func Label(f contract.Fragment) string {
	if f.Label != "" {
		return f.Label
	}
	switch f.Kind {
	case contract.KindFile:
		return fmt.Sprintf("contents of file `%s`", f.SourceID)
	case contract.KindURL:
		return fmt.Sprintf("contents of URL %s", f.SourceID)
	case contract.KindCommand:
		return fmt.Sprintf("output of command `%s`", f.SourceID)
	case contract.KindStdin:
		return "contents from standard input"
	default:
		return "following text"
	}
}

// EstimateOverheadTokens: 固定提示开销（system + map 模板去掉动态部分）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	return estimate(b.sys) + estimate(b.render(b.mapT, "", ""))
}

// 静态接口断言
var _ contract.PromptBuilder = (*Builder)(nil)

const defaultMapTemplate = `Extract any information that is relevant to question {{printf "%q" .Question}} from the following file part. Note, if there is no relevant information, just briefly say nothing.


{{.Context}}`

const defaultReduceTemplate = `Extract any information that is relevant to question {{printf "%q" .Question}} from the following contents and aggregate them. Note, if there is no relevant information, just briefly say nothing.


{{.Context}}`

const defaultDirectTemplate = `{{if .Context}}{{.Context}}
{{end}}{{.Question}}`
