package contract

import (
	"context"
	"io"
)

// ArtifactID: 输出工件标识（相对路径）。
type ArtifactID string

// Writer: 将最终答案或会话记录流式写到目标介质。
// 约束：
//  1. 同一 ArtifactID 单写者；
//  2. 流式写入，按字节透传；
//  3. ctx 取消/超时需尽快返回；
//  4. 错误直接上抛（不做重试/回退）。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}
