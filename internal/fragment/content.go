package fragment

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"longctx/pkg/contract"
)

// Text 为已在内存中的内容。
type Text string

func (t Text) Len() (int, error)                        { return len(t), nil }
func (t Text) Load(ctx context.Context) (string, error) { return string(t), nil }

// Wrapped 在惰性内容外包一层头尾文本（例如来源说明与代码围栏），加载时才拼接。
type Wrapped struct {
	Head  string
	Inner contract.Content
	Tail  string
}

func (w Wrapped) Len() (int, error) {
	n, err := w.Inner.Len()
	if err != nil {
		return 0, err
	}
	return len(w.Head) + n + len(w.Tail), nil
}

func (w Wrapped) Load(ctx context.Context) (string, error) {
	s, err := w.Inner.Load(ctx)
	if err != nil {
		return "", err
	}
	return w.Head + s + w.Tail, nil
}

// File 是文件惰性句柄：路径 + 可选行区间（1 起始闭区间，0 表示不限）。
// 整文件的长度由 stat 得出；带行区间时首次 Len 读取并记忆。
type File struct {
	Path     string
	FromLine int
	ToLine   int

	once sync.Once
	n    int
	text string
	err  error
}

func NewFile(path string) *File { return &File{Path: path} }

// NewFileRange 构造行区间句柄；from/to 非法时返回 ErrInvalidInput。
func NewFileRange(path string, from, to int) (*File, error) {
	if from < 1 || (to != 0 && to < from) {
		return nil, fmt.Errorf("%w: line range %d-%d", contract.ErrInvalidInput, from, to)
	}
	return &File{Path: path, FromLine: from, ToLine: to}, nil
}

func (f *File) ranged() bool { return f.FromLine > 0 }

func (f *File) Len() (int, error) {
	if !f.ranged() {
		st, err := os.Stat(f.Path)
		if err != nil {
			return 0, err
		}
		return int(st.Size()), nil
	}
	f.once.Do(f.read)
	return f.n, f.err
}

func (f *File) Load(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !f.ranged() {
		b, err := os.ReadFile(f.Path)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	f.once.Do(f.read)
	return f.text, f.err
}

func (f *File) read() {
	fh, err := os.Open(f.Path)
	if err != nil {
		f.err = err
		return
	}
	defer fh.Close()
	br := bufio.NewReader(fh)
	var sb strings.Builder
	line := 0
	for {
		s, rerr := br.ReadString('\n')
		if s != "" {
			line++
			if line >= f.FromLine && (f.ToLine == 0 || line <= f.ToLine) {
				sb.WriteString(s)
			}
		}
		if rerr != nil || (f.ToLine != 0 && line >= f.ToLine) {
			break
		}
	}
	f.text = sb.String()
	f.n = len(f.text)
}
