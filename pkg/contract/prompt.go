package contract

// PromptBuilder: 构造 map/reduce/直答三类确定性消息序列。
// 约束：
//   - 纯计算，不做 I/O；
//   - 不隐式修改业务内容；
//   - Version 参与缓存键：模板变化即缓存失效。
type PromptBuilder interface {
	Map(question string, c Chunk) []Message
	Reduce(question, combined string) []Message
	Direct(question, context string) []Message
	Version() string
	// EstimateOverheadTokens: 估算与内容无关的固定提示词开销。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// TokenEstimator: 文本→token 的近似估算函数。
// 典型实现：ceil(len(utf8_bytes)/BytesPerToken)。
type TokenEstimator func(s string) int
