package contract

import "context"

// Splitter: 将有序片段切分为受字节预算约束的 Chunk 序列。
// 约束：
// 1) 按 Position 顺序，不重排；
// 2) Index 从 0 严格递增；
// 3) 不截断：超限片段独立成块或按行切片；
// 4) 所有 RenderedText 顺序拼接等于原始内容；
// 5) 无内部并发、幂等。
type Splitter interface {
	Split(ctx context.Context, frags []Fragment, maxBytes int) ([]Chunk, error)
}
