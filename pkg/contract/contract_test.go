package contract

import (
	"errors"
	"path/filepath"
	"testing"
)

// TestNormalizeSourceID 验证路径规范化逻辑。
func TestNormalizeSourceID(t *testing.T) {
	wpath := filepath.Join("a", "b", "c")
	basicCases := map[string]string{
		wpath:      "a/b/c",
		"./x/../y": "y",
		"":         ".",
	}
	for in, want := range basicCases {
		if got := NormalizeSourceID(in); got != want {
			t.Fatalf("基础测试 %s -> %s, 预期 %s", in, got, want)
		}
	}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Windows路径", "C:\\Users\\test\\file.txt", "C:/Users/test/file.txt"},
		{"清理多余斜杠", "path//to///file.txt", "path/to/file.txt"},
		{"处理父目录", "path/to/../from/file.txt", "path/from/file.txt"},
		{"中文路径", "项目\\文档/测试.txt", "项目/文档/测试.txt"},
		{"URL 原样", "https://example.org/a/../b", "https://example.org/a/../b"},
		{"命令原样", "cmd:ls -la ./x/..", "cmd:ls -la ./x/.."},
		{"man 原样", "man:ls", "man:ls"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeSourceID(tt.input); got != tt.expected {
				t.Errorf("NormalizeSourceID(%q) = %q, expected %q", tt.input, got, tt.expected)
			}
		})
	}
}

func mkChunk(idx, pos int, text string) Chunk {
	return Chunk{
		Index:        idx,
		Slices:       []Slice{{Fragment: Fragment{Position: pos}, Text: text}},
		RenderedText: text,
		ByteLength:   len(text),
	}
}

// TestValidateChunks 覆盖成功与各类错误分支。
func TestValidateChunks(t *testing.T) {
	ok := []Chunk{mkChunk(0, 0, "abc"), mkChunk(1, 1, "toolongtext")}
	if err := ValidateChunks(ok, 4); err != nil {
		t.Fatalf("单切片超限应允许: %v", err)
	}
	two := Chunk{
		Index:        0,
		Slices:       []Slice{{Fragment: Fragment{Position: 0}, Text: "aaa"}, {Fragment: Fragment{Position: 1}, Text: "bbb"}},
		RenderedText: "aaabbb",
		ByteLength:   6,
	}
	cases := []struct {
		name   string
		chunks []Chunk
		max    int
		want   error
	}{
		{"bad budget", ok, 0, ErrInvalidInput},
		{"index gap", []Chunk{mkChunk(0, 0, "a"), mkChunk(2, 1, "b")}, 4, ErrSeqInvalid},
		{"reorder", []Chunk{mkChunk(0, 1, "a"), mkChunk(1, 0, "b")}, 4, ErrSeqInvalid},
		{"multi slice over", []Chunk{two}, 4, ErrInvariantViolation},
		{"length mismatch", []Chunk{{Index: 0, Slices: ok[0].Slices, RenderedText: "abc", ByteLength: 2}}, 4, ErrInvariantViolation},
		{"empty", []Chunk{{Index: 0}}, 4, ErrInvariantViolation},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateChunks(tt.chunks, tt.max); !errors.Is(err, tt.want) {
				t.Fatalf("want %v got %v", tt.want, err)
			}
		})
	}
}

// TestValidateResults 验证结果序列严格升序。
func TestValidateResults(t *testing.T) {
	if err := ValidateResults([]MapResult{{ChunkIndex: 0}, {ChunkIndex: 2}}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := ValidateResults([]MapResult{{ChunkIndex: 1}, {ChunkIndex: 1}}); !errors.Is(err, ErrSeqInvalid) {
		t.Fatalf("重复索引应报错: %v", err)
	}
	if err := ValidateResults(nil); err != nil {
		t.Fatalf("空序列应通过: %v", err)
	}
}

func TestSlicePartial(t *testing.T) {
	if (Slice{}).Partial() {
		t.Fatalf("整片段不应视为部分")
	}
	if !(Slice{FromLine: 3, ToLine: 4}).Partial() {
		t.Fatalf("行区间应视为部分")
	}
}
