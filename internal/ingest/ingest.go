package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"longctx/internal/diag"
	"longctx/internal/fragment"
	"longctx/pkg/contract"
	"longctx/plugins/reader/web"
)

// SelectorKind 对应 CLI 的来源旗标。
type SelectorKind string

const (
	KindFile SelectorKind = "file" // -f：路径、"-"、URL 及各类前缀
	KindURL  SelectorKind = "url"  // -u
	KindCmd  SelectorKind = "cmd"  // -x
	KindText SelectorKind = "text" // -t：字面文本
)

// Selector: 一个有序来源。
type Selector struct {
	Kind  SelectorKind
	Value string
}

func (s Selector) String() string { return string(s.Kind) + ":" + s.Value }

// Acceptor: Reader 的可选能力，声明可处理的选择子。
type Acceptor interface {
	Accepts(selector string) bool
}

// Router 将选择子分派给首个接受它的 Reader；未被接受的交给兜底 Reader。
type Router struct {
	readers  []contract.Reader
	fallback contract.Reader
}

// NewRouter: readers 按顺序试探（须实现 Acceptor），fallback 通常为文件系统 Reader。
func NewRouter(fallback contract.Reader, readers ...contract.Reader) *Router {
	return &Router{readers: readers, fallback: fallback}
}

func (r *Router) pick(selector string) (contract.Reader, error) {
	for _, rd := range r.readers {
		if a, ok := rd.(Acceptor); ok && a.Accepts(selector) {
			return rd, nil
		}
	}
	if r.fallback == nil {
		return nil, fmt.Errorf("%w: no reader for %q", contract.ErrPathInvalid, selector)
	}
	return r.fallback, nil
}

// Iterate 实现 contract.Reader。
func (r *Router) Iterate(ctx context.Context, selector string, yield func(contract.Source) error) error {
	rd, err := r.pick(selector)
	if err != nil {
		return err
	}
	return rd.Iterate(ctx, selector, yield)
}

// resolve 将旗标种类折算为 Reader 选择子。
func resolve(s Selector) (string, error) {
	v := strings.TrimSpace(s.Value)
	switch s.Kind {
	case KindFile, "":
		return v, nil
	case KindURL:
		if !strings.Contains(v, "://") && !isAlias(v) {
			v = "https://" + v
		}
		return v, nil
	case KindCmd:
		if v == "" {
			return "", fmt.Errorf("%w: empty command", contract.ErrPathInvalid)
		}
		return "cmd:" + v, nil
	default:
		return "", fmt.Errorf("%w: selector kind %q", contract.ErrInvalidInput, s.Kind)
	}
}

// isAlias 识别 bts:123 一类的别名；host:port 等其余前缀按主机名补全 scheme。
func isAlias(v string) bool {
	prefix, _, ok := strings.Cut(v, ":")
	return ok && web.IsAlias(prefix)
}

// Collect 按选择子顺序读取全部来源并追加到 store；顺序即片段 Position 顺序。
func Collect(ctx context.Context, rd contract.Reader, store *fragment.Store, sels []Selector, log *diag.Logger) error {
	texts := 0
	for _, s := range sels {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.Kind == KindText {
			texts++
			src := contract.Source{ID: "text#" + strconv.Itoa(texts), Kind: contract.KindLiteral, Content: fragment.Text(s.Value)}
			if _, err := store.AppendSource(src); err != nil {
				return err
			}
			continue
		}
		sel, err := resolve(s)
		if err != nil {
			return err
		}
		t := log.StartWith("reader", "iterate", sel, "")
		n := 0
		err = rd.Iterate(ctx, sel, func(src contract.Source) error {
			n++
			_, err := store.AppendSource(src)
			return err
		})
		if err != nil {
			log.ErrorWith("reader", string(diag.Classify(err)), err.Error(), t.Since(), sel, "")
			return fmt.Errorf("read %s: %w", sel, err)
		}
		t.Finish("iterate", int64(n))
	}
	return nil
}
