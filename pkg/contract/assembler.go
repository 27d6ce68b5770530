package contract

import "context"

// Assembler: 将按 ChunkIndex 升序的 map 结果线性装配为归约上下文。
// 约束：
//  1. ChunkIndex 必须严格升序；
//  2. 跳过带 Err 的结果；
//  3. 序列违规返回 ErrSeqInvalid。
type Assembler interface {
	Assemble(ctx context.Context, results []MapResult) (string, error)
}
