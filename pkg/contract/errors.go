package contract

import "errors"

var (
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 预算或配额不足（如 token 预算、上游配额）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrRetriesExhausted: 可重试错误在尝试预算内未恢复。
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrReductionDidNotConverge: 分层归约在有限轮次内未能收缩。
	ErrReductionDidNotConverge = errors.New("reduction did not converge")
	// ErrCacheUnavailable: 缓存不可用/损坏；调用方应降级为无缓存运行。
	ErrCacheUnavailable = errors.New("cache unavailable")
)
