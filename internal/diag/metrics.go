package diag

import (
	"sort"
	"sync"
)

// Metrics: 进程内计数器，显式传递；nil 接收者为 no-op。
// 名称：
// - op_total{comp,stage,result}
// - error_total{comp,code}
// - op_duration_ms{comp,stage}
type Metrics struct {
	mu  sync.Mutex
	ops map[string]int64
	err map[string]int64
	dur map[string]int64
}

func NewMetrics() *Metrics {
	return &Metrics{ops: map[string]int64{}, err: map[string]int64{}, dur: map[string]int64{}}
}

// IncOp 累加操作计数（result=success|error|hit|miss）。
func (m *Metrics) IncOp(comp, stage, result string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.ops[comp+"."+stage+"."+result]++
	m.mu.Unlock()
}

// IncError 按分类累加错误计数。
func (m *Metrics) IncError(comp string, code Code) {
	if m == nil || code == CodeUnknown {
		return
	}
	m.mu.Lock()
	m.err[comp+"."+string(code)]++
	m.mu.Unlock()
}

// ObserveDuration 累计阶段耗时（毫秒）。
func (m *Metrics) ObserveDuration(comp, stage string, durMS int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.dur[comp+"."+stage] += durMS
	m.mu.Unlock()
}

// Op 读取单个操作计数。
func (m *Metrics) Op(comp, stage, result string) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops[comp+"."+stage+"."+result]
}

// Errors 读取单个错误计数。
func (m *Metrics) Errors(comp string, code Code) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err[comp+"."+string(code)]
}

// Snapshot 返回按键排序的全部计数（ops/errors/duration 合并，前缀区分）。
func (m *Metrics) Snapshot() []Sample {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, 0, len(m.ops)+len(m.err)+len(m.dur))
	for k, v := range m.ops {
		out = append(out, Sample{Name: "op_total." + k, Value: v})
	}
	for k, v := range m.err {
		out = append(out, Sample{Name: "error_total." + k, Value: v})
	}
	for k, v := range m.dur {
		out = append(out, Sample{Name: "op_duration_ms." + k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sample 为单个计数快照。
type Sample struct {
	Name  string
	Value int64
}
