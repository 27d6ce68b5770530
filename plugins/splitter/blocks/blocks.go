package blocks

import (
	"path"
	"strings"

	"longctx/pkg/contract"
	lpk "longctx/plugins/splitter/linepack"
)

// Options 为 blocks Splitter 的可选配置。
type Options struct {
	// AllowExts: 仅对这些扩展名的来源按块切片（大小写不敏感，含点，如 [".srt"]）；
	// 为空表示全部来源。其余来源退化为按行切片。
	AllowExts []string `json:"allow_exts"`
}

// Splitter 与 linepack 相同地装箱，但超限片段优先在空行分隔的块边界切开
// （字幕条目、段落、man 小节），单块超限时再按行切。
type Splitter struct {
	*lpk.Splitter
	allow map[string]struct{}
}

// New 创建 blocks Splitter。
func New(opts *Options) *Splitter {
	s := &Splitter{}
	if opts != nil && len(opts.AllowExts) > 0 {
		s.allow = make(map[string]struct{}, len(opts.AllowExts))
		for _, e := range opts.AllowExts {
			if e != "" {
				s.allow[strings.ToLower(e)] = struct{}{}
			}
		}
	}
	s.Splitter = lpk.NewWithSlicer(s.slice)
	return s
}

func (s *Splitter) applies(sourceID string) bool {
	if s.allow == nil {
		return true
	}
	_, ok := s.allow[strings.ToLower(path.Ext(sourceID))]
	return ok
}

func (s *Splitter) slice(f contract.Fragment, text string, max int) []contract.Slice {
	if !s.applies(f.SourceID) {
		return lpk.SliceLines(f, text, max)
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	var (
		out  []contract.Slice
		sb   strings.Builder
		from int
		to   int
	)
	emit := func() {
		if sb.Len() == 0 {
			return
		}
		out = append(out, contract.Slice{Fragment: f, FromLine: from, ToLine: to, Text: sb.String()})
		sb.Reset()
	}
	for i := 0; i < len(lines); {
		j := blockEnd(lines, i)
		blk := strings.Join(lines[i:j], "")
		if len(blk) > max {
			emit()
			// 行号相对块起点，平移到片段内
			for _, sl := range lpk.SliceLines(f, blk, max) {
				sl.FromLine += i
				sl.ToLine += i
				out = append(out, sl)
			}
			i = j
			continue
		}
		if sb.Len() > 0 && sb.Len()+len(blk) > max {
			emit()
		}
		if sb.Len() == 0 {
			from = i + 1
		}
		sb.WriteString(blk)
		to = j
		i = j
	}
	emit()
	return out
}

// blockEnd 返回自 i 起一个块的结束下标（不含）：非空行序列及其后的空行。
func blockEnd(lines []string, i int) int {
	j := i
	for j < len(lines) && strings.TrimSpace(lines[j]) != "" {
		j++
	}
	for j < len(lines) && strings.TrimSpace(lines[j]) == "" {
		j++
	}
	return j
}
