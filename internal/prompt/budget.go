package prompt

import "longctx/pkg/contract"

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// MessagesTokens 估算整条消息序列的 token 数（供限流闸门计费）。
func MessagesTokens(msgs []contract.Message, bytesPerToken int) int {
	est := MakeEstimator(bytesPerToken)
	total := 0
	for _, m := range msgs {
		total += est(m.Content)
	}
	return total
}

// EffectiveChunkBytes 从 chunk 字节预算中扣除固定提示开销（按 bytesPerToken 折算回字节）。
// 扣除后不足 minBytes 时返回 minBytes。
func EffectiveChunkBytes(pb contract.PromptBuilder, bytesPerToken, maxChunkBytes, minBytes int) int {
	if maxChunkBytes <= 0 {
		return 0
	}
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	eff := maxChunkBytes - pb.EstimateOverheadTokens(MakeEstimator(bpt))*bpt
	if eff < minBytes {
		return minBytes
	}
	return eff
}
