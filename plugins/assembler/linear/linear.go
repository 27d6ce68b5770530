package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"longctx/pkg/contract"
)

// Options: 线性装配配置。
type Options struct {
	// NoFence: 不用 ``` 围栏包裹各块答案。
	NoFence bool `json:"no_fence"`
}

type assembler struct {
	fence bool
}

// New 从原样 JSON Options 创建线性装配器。
func New(raw json.RawMessage) (contract.Assembler, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, err
		}
	}
	return &assembler{fence: !o.NoFence}, nil
}

// Assemble 按 ChunkIndex 严格升序拼接答案；带 Err 的结果跳过。
// 发现逆序或重复即返回 ErrSeqInvalid。
func (a *assembler) Assemble(ctx context.Context, results []contract.MapResult) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if err := contract.ValidateResults(results); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		if !a.fence {
			sb.WriteString(r.Answer)
			if !strings.HasSuffix(r.Answer, "\n") {
				sb.WriteByte('\n')
			}
			continue
		}
		sb.WriteString("```\n")
		sb.WriteString(r.Answer)
		sb.WriteString("\n```\n\n")
	}
	return sb.String(), nil
}

var _ contract.Assembler = (*assembler)(nil)
