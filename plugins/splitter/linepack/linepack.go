package linepack

import (
	"context"
	"fmt"
	"strings"

	"longctx/pkg/contract"
)

// Options 为 linepack Splitter 的可选配置。
type Options struct {
	// SliceOversized: 超出预算的单个片段是否按行切片。
	// nil 等价于 true；false 时整片段独立成块。
	SliceOversized *bool `json:"slice_oversized,omitempty"`
}

// Slicer 把超限片段切成有序切片；切片顺序拼接必须等于原文。
type Slicer func(f contract.Fragment, text string, max int) []contract.Slice

// Splitter 按 Position 顺序贪心装箱。
type Splitter struct {
	slice  bool
	slicer Slicer
}

// New 创建 linepack Splitter。
func New(opts *Options) *Splitter {
	s := &Splitter{slice: true, slicer: SliceLines}
	if opts != nil && opts.SliceOversized != nil {
		s.slice = *opts.SliceOversized
	}
	return s
}

// NewWithSlicer 使用自定义切片策略（总是切片）。
func NewWithSlicer(fn Slicer) *Splitter {
	if fn == nil {
		fn = SliceLines
	}
	return &Splitter{slice: true, slicer: fn}
}

type packer struct {
	max    int
	chunks []contract.Chunk
	cur    []contract.Slice
	bytes  int
}

func (p *packer) flush() {
	if len(p.cur) == 0 {
		return
	}
	var sb strings.Builder
	sb.Grow(p.bytes)
	for _, s := range p.cur {
		sb.WriteString(s.Text)
	}
	p.chunks = append(p.chunks, contract.Chunk{
		Index:        len(p.chunks),
		Slices:       p.cur,
		RenderedText: sb.String(),
		ByteLength:   p.bytes,
	})
	p.cur = nil
	p.bytes = 0
}

// add 放入当前块；装不下则先封口。
func (p *packer) add(s contract.Slice) {
	if len(p.cur) > 0 && p.bytes+len(s.Text) > p.max {
		p.flush()
	}
	p.cur = append(p.cur, s)
	p.bytes += len(s.Text)
}

// Split 实现 contract.Splitter。
// - 片段可装入则累积，溢出即封口；
// - 超限片段绝不截断：按行切片（每片 <= 预算，超长单行独占一块），或整体独占一块；
// - 空片段不产生切片。
func (s *Splitter) Split(ctx context.Context, frags []contract.Fragment, maxBytes int) ([]contract.Chunk, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("%w: max chunk bytes %d", contract.ErrInvalidInput, maxBytes)
	}
	p := &packer{max: maxBytes}
	lastPos := -1
	for _, f := range frags {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.Position <= lastPos {
			return nil, fmt.Errorf("%w: fragment position %d after %d", contract.ErrSeqInvalid, f.Position, lastPos)
		}
		lastPos = f.Position
		text := ""
		if f.Content != nil {
			var err error
			if text, err = f.Content.Load(ctx); err != nil {
				return nil, fmt.Errorf("load %s: %w", f.SourceID, err)
			}
		}
		if text == "" {
			continue
		}
		if len(text) <= maxBytes {
			p.add(contract.Slice{Fragment: f, Text: text})
			continue
		}
		p.flush()
		if !s.slice {
			p.add(contract.Slice{Fragment: f, Text: text})
			p.flush()
			continue
		}
		for _, sl := range s.slicer(f, text, maxBytes) {
			p.add(sl)
			if len(sl.Text) > maxBytes {
				p.flush()
			}
		}
	}
	p.flush()
	return p.chunks, nil
}

// SliceLines 在行边界贪心切分；保留换行符，切片顺序拼接即原文。
func SliceLines(f contract.Fragment, text string, max int) []contract.Slice {
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	var (
		out   []contract.Slice
		sb    strings.Builder
		from  int
		lineN int
	)
	emit := func() {
		if sb.Len() == 0 {
			return
		}
		out = append(out, contract.Slice{Fragment: f, FromLine: from, ToLine: lineN, Text: sb.String()})
		sb.Reset()
	}
	for _, ln := range lines {
		if sb.Len() > 0 && sb.Len()+len(ln) > max {
			emit()
		}
		lineN++
		if sb.Len() == 0 {
			from = lineN
		}
		sb.WriteString(ln)
		if len(ln) > max {
			emit()
		}
	}
	emit()
	return out
}
