package fragment

import (
	"context"
	"fmt"
	"sync"

	"longctx/pkg/contract"
)

// Store 按追加顺序保存片段。
// - Position 单调分配；唯一的变更操作是 Append；
// - 并发安全（CLI 顺序追加，但 Reader 可在别处复用）。
type Store struct {
	mu    sync.RWMutex
	frags []contract.Fragment
}

func NewStore() *Store { return &Store{} }

// Append 以下一个 Position 追加片段；长度在此刻确定。
func (s *Store) Append(sourceID string, kind contract.Kind, c contract.Content) (contract.Fragment, error) {
	return s.AppendSource(contract.Source{ID: sourceID, Kind: kind, Content: c})
}

// AppendSource 追加 Reader 产出的来源（携带提示词标签）。
func (s *Store) AppendSource(src contract.Source) (contract.Fragment, error) {
	sourceID, kind, c := src.ID, src.Kind, src.Content
	if c == nil {
		return contract.Fragment{}, fmt.Errorf("%w: nil content for %s", contract.ErrInvalidInput, sourceID)
	}
	n, err := c.Len()
	if err != nil {
		return contract.Fragment{}, fmt.Errorf("fragment len %s: %w", sourceID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f := contract.Fragment{
		SourceID:   sourceID,
		Kind:       kind,
		Position:   len(s.frags),
		ByteLength: n,
		Content:    c,
		Label:      src.Label,
	}
	s.frags = append(s.frags, f)
	return f, nil
}

// All 返回追加顺序的副本。
func (s *Store) All() []contract.Fragment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contract.Fragment, len(s.frags))
	copy(out, s.frags)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frags)
}

// TotalBytes 汇总已追加片段的字节数。
func (s *Store) TotalBytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, f := range s.frags {
		total += f.ByteLength
	}
	return total
}

// Load 读取片段全部内容。
func Load(ctx context.Context, f contract.Fragment) (string, error) {
	if f.Content == nil {
		return "", nil
	}
	return f.Content.Load(ctx)
}
