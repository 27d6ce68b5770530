package contract

import (
	"context"
	"errors"
)

// 会话角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message: 最小会话消息形状。
type Message struct {
	Role    string
	Content string
}

// ModelBackend: 接收有序消息序列，返回完整文本。
// 单次调用、同步返回；应尊重 ctx 取消/超时并及时释放资源。
// 失败时应包装 ErrRateLimited / ErrNetwork / ErrFatal 之一，便于上层判定是否重试。
type ModelBackend interface {
	Name() string
	Complete(ctx context.Context, msgs []Message, p Params) (string, error)
}

// 可选：流式接口（map-reduce 不使用）。
type Streamer interface {
	CompleteStream(ctx context.Context, msgs []Message, p Params) (TokenStream, error)
}

// TokenStream: 只读顺序拉取；调用方负责在用毕后 Close。
type TokenStream interface {
	Next() (chunk string, done bool, err error)
	Close() error
}

// 最小错误分类（用于上层策略判定）。
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrNetwork         = errors.New("network error")
	ErrFatal           = errors.New("fatal")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
	ErrSeqInvalid      = errors.New("sequence invalid")
)
