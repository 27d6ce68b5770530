package diag

import (
	"context"
	"errors"
	"net"
	"os"

	"longctx/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总，与退出码解耦。
type Code string

const (
	CodeUnknown     Code = "unknown"
	CodeRateLimited Code = "rate_limited"
	CodeNetwork     Code = "network"
	CodeTimeout     Code = "timeout"
	CodeCancel      Code = "cancel"
	CodeFatal       Code = "fatal"
	CodeProtocol    Code = "protocol"
	CodeInvariant   Code = "invariant"
	CodeBudget      Code = "budget"
	CodeConverge    Code = "converge"
	CodeCache       Code = "cache"
	CodeIO          Code = "io"
)

// Classify 将错误归为最小分类。
// 说明：仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 重试耗尽与显式致命优先于其包裹的底层原因
	if errors.Is(err, contract.ErrRetriesExhausted) || errors.Is(err, contract.ErrFatal) {
		return CodeFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrRateLimited) {
		return CodeRateLimited
	}
	if errors.Is(err, contract.ErrBudgetExceeded) {
		return CodeBudget
	}
	if errors.Is(err, contract.ErrNetwork) {
		return CodeNetwork
	}
	if errors.Is(err, contract.ErrReductionDidNotConverge) {
		return CodeConverge
	}
	if errors.Is(err, contract.ErrCacheUnavailable) {
		return CodeCache
	}
	if errors.Is(err, contract.ErrResponseInvalid) {
		return CodeProtocol
	}
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrSeqInvalid) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return CodeTimeout
		}
		return CodeNetwork
	}
	return CodeUnknown
}

// Retryable 判定 map/reduce 调用失败是否可重试：限流、网络、单次调用超时。
func Retryable(err error) bool {
	switch Classify(err) {
	case CodeRateLimited, CodeNetwork, CodeTimeout:
		return true
	default:
		return false
	}
}
