package contract

import "fmt"

// 校验库函数（纯函数，无 I/O）：
// - ValidateChunks:  Index 连续 0..n-1、片段 Position 不回退、预算上界成立
// - ValidateResults: ChunkIndex 严格升序
func ValidateChunks(chunks []Chunk, maxBytes int) error {
	if maxBytes <= 0 {
		return ErrInvalidInput
	}
	lastPos := -1
	for i, c := range chunks {
		if c.Index != i {
			return fmt.Errorf("%w: chunk %d has index %d", ErrSeqInvalid, i, c.Index)
		}
		if len(c.Slices) == 0 {
			return fmt.Errorf("%w: chunk %d empty", ErrInvariantViolation, i)
		}
		if c.ByteLength != len(c.RenderedText) {
			return fmt.Errorf("%w: chunk %d length %d != rendered %d", ErrInvariantViolation, i, c.ByteLength, len(c.RenderedText))
		}
		if c.ByteLength > maxBytes && len(c.Slices) != 1 {
			return fmt.Errorf("%w: chunk %d exceeds %d bytes with %d slices", ErrInvariantViolation, i, maxBytes, len(c.Slices))
		}
		for _, s := range c.Slices {
			if s.Fragment.Position < lastPos {
				return fmt.Errorf("%w: fragment %d after %d", ErrSeqInvalid, s.Fragment.Position, lastPos)
			}
			lastPos = s.Fragment.Position
		}
	}
	return nil
}

func ValidateResults(results []MapResult) error {
	prev := -1
	for _, r := range results {
		if r.ChunkIndex <= prev {
			return fmt.Errorf("%w: chunk %d after %d", ErrSeqInvalid, r.ChunkIndex, prev)
		}
		prev = r.ChunkIndex
	}
	return nil
}
