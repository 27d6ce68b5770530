package contract

import (
	"context"
	"time"
)

// Kind: 片段来源类别。
type Kind string

const (
	KindFile    Kind = "file"
	KindURL     Kind = "url"
	KindCommand Kind = "command"
	KindLiteral Kind = "literal"
	KindStdin   Kind = "stdin"
)

// Content: 片段内容，可为惰性句柄（如文件路径 + 行区间）。
// Len 返回字节长度；Load 在需要时才真正读取。
type Content interface {
	Len() (int, error)
	Load(ctx context.Context) (string, error)
}

// Fragment: 有序上下文的最小单元。
// 约束：
// - Position 为追加序（0..n-1），创建后不可重排；
// - 创建后不可变。
type Fragment struct {
	SourceID   string
	Kind       Kind
	Position   int
	ByteLength int
	Content    Content
	// Label: 提示词中的来源描述，如 "contents of file `a.txt`"；空则按 Kind 推导。
	Label string
}

// Slice: 片段在某个 Chunk 内的部分（整片段时 FromLine=ToLine=0）。
// 行号为 1 起始闭区间。
type Slice struct {
	Fragment Fragment
	FromLine int
	ToLine   int
	Text     string
}

// Partial 表示该切片仅为片段的一部分。
func (s Slice) Partial() bool { return s.FromLine > 0 }

// Chunk: 受字节预算约束、保持顺序的片段组。
// ByteLength <= 预算，唯一例外是仅含单个超限切片的 Chunk。
type Chunk struct {
	Index        int
	Slices       []Slice
	RenderedText string
	ByteLength   int
}

// MapResult: 单个 Chunk 的 map 结果。按 ChunkIndex 还原顺序，与完成顺序无关。
type MapResult struct {
	ChunkIndex int
	Answer     string
	Err        error
	Attempts   int
	Cached     bool
}

// Params: 影响模型输出的调用参数。Temperature/TopP 为 nil 表示使用后端默认值。
type Params struct {
	ModelID     string
	Temperature *float64
	TopP        *float64
	MaxTokens   int
	Timeout     time.Duration
}
