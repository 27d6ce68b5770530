package linepack

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"longctx/internal/fragment"
	"longctx/pkg/contract"
)

func frags(texts ...string) []contract.Fragment {
	st := fragment.NewStore()
	for i, s := range texts {
		if _, err := st.Append(fmt.Sprintf("f%d", i), contract.KindLiteral, fragment.Text(s)); err != nil {
			panic(err)
		}
	}
	return st.All()
}

type shape struct {
	Index int
	Bytes int
	Srcs  []string
	Lines [][2]int
}

func shapes(chunks []contract.Chunk) []shape {
	out := make([]shape, 0, len(chunks))
	for _, c := range chunks {
		sh := shape{Index: c.Index, Bytes: c.ByteLength}
		for _, s := range c.Slices {
			sh.Srcs = append(sh.Srcs, s.Fragment.SourceID)
			sh.Lines = append(sh.Lines, [2]int{s.FromLine, s.ToLine})
		}
		out = append(out, sh)
	}
	return out
}

func join(chunks []contract.Chunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c.RenderedText)
	}
	return sb.String()
}

// UT-SPL-01: 100/50/100 字节、预算 120 → 3 块
func TestSplitScenario(t *testing.T) {
	in := frags(strings.Repeat("a", 100), strings.Repeat("b", 50), strings.Repeat("c", 100))
	got, err := New(nil).Split(context.Background(), in, 120)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	want := []shape{
		{Index: 0, Bytes: 100, Srcs: []string{"f0"}, Lines: [][2]int{{0, 0}}},
		{Index: 1, Bytes: 50, Srcs: []string{"f1"}, Lines: [][2]int{{0, 0}}},
		{Index: 2, Bytes: 100, Srcs: []string{"f2"}, Lines: [][2]int{{0, 0}}},
	}
	if diff := cmp.Diff(want, shapes(got)); diff != "" {
		t.Fatalf("chunks mismatch (-want +got):\n%s", diff)
	}
}

// UT-SPL-02: 贪心合并；恰好等于预算只产生一块
func TestSplitPackAndExactBudget(t *testing.T) {
	got, _ := New(nil).Split(context.Background(), frags("aaaa", "bbbb", "cc", "dddddd"), 10)
	want := []shape{
		{Index: 0, Bytes: 10, Srcs: []string{"f0", "f1", "f2"}, Lines: [][2]int{{0, 0}, {0, 0}, {0, 0}}},
		{Index: 1, Bytes: 6, Srcs: []string{"f3"}, Lines: [][2]int{{0, 0}}},
	}
	if diff := cmp.Diff(want, shapes(got)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	exact, _ := New(nil).Split(context.Background(), frags(strings.Repeat("x", 64)), 64)
	if len(exact) != 1 || exact[0].ByteLength != 64 {
		t.Fatalf("恰好等于预算应为 1 块, got %d", len(exact))
	}
}

// UT-SPL-03: 空输入 → 零块
func TestSplitEmpty(t *testing.T) {
	got, err := New(nil).Split(context.Background(), nil, 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("空输入应返回零块: %v %d", err, len(got))
	}
	got, _ = New(nil).Split(context.Background(), frags("", ""), 10)
	if len(got) != 0 {
		t.Fatalf("空片段不应产生块")
	}
}

// UT-SPL-04: 超限片段按行切片，切片带行号且可无损拼接
func TestSplitOversizedSliced(t *testing.T) {
	big := "l1\nl2\nl3\nl4\nl5\n"
	got, err := New(nil).Split(context.Background(), frags("head", big, "t"), 7)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	want := []shape{
		{Index: 0, Bytes: 4, Srcs: []string{"f0"}, Lines: [][2]int{{0, 0}}},
		{Index: 1, Bytes: 6, Srcs: []string{"f1"}, Lines: [][2]int{{1, 2}}},
		{Index: 2, Bytes: 6, Srcs: []string{"f1"}, Lines: [][2]int{{3, 4}}},
		{Index: 3, Bytes: 4, Srcs: []string{"f1", "f2"}, Lines: [][2]int{{5, 5}, {0, 0}}},
	}
	if diff := cmp.Diff(want, shapes(got)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if join(got) != "head"+big+"t" {
		t.Fatalf("round trip mismatch")
	}
}

// UT-SPL-05: 超长单行独占一块；关闭切片时整片段独占一块
func TestSplitOversizedLineAndNoSlice(t *testing.T) {
	long := strings.Repeat("z", 30)
	got, _ := New(nil).Split(context.Background(), frags("ab\n"+long+"\ncd"), 10)
	want := []shape{
		{Index: 0, Bytes: 3, Srcs: []string{"f0"}, Lines: [][2]int{{1, 1}}},
		{Index: 1, Bytes: 31, Srcs: []string{"f0"}, Lines: [][2]int{{2, 2}}},
		{Index: 2, Bytes: 2, Srcs: []string{"f0"}, Lines: [][2]int{{3, 3}}},
	}
	if diff := cmp.Diff(want, shapes(got)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	off := false
	got, _ = New(&Options{SliceOversized: &off}).Split(context.Background(), frags("a", long, "b"), 10)
	want = []shape{
		{Index: 0, Bytes: 1, Srcs: []string{"f0"}, Lines: [][2]int{{0, 0}}},
		{Index: 1, Bytes: 30, Srcs: []string{"f1"}, Lines: [][2]int{{0, 0}}},
		{Index: 2, Bytes: 1, Srcs: []string{"f2"}, Lines: [][2]int{{0, 0}}},
	}
	if diff := cmp.Diff(want, shapes(got)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

// UT-SPL-06: 随机输入的性质：上界、顺序、往返
func TestSplitProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		n := rng.Intn(12)
		texts := make([]string, n)
		for i := range texts {
			var sb strings.Builder
			lines := rng.Intn(6)
			for l := 0; l < lines; l++ {
				sb.WriteString(strings.Repeat("x", rng.Intn(40)))
				if rng.Intn(4) > 0 {
					sb.WriteByte('\n')
				}
			}
			texts[i] = sb.String()
		}
		budget := 1 + rng.Intn(60)
		for _, slice := range []bool{true, false} {
			sl := slice
			got, err := New(&Options{SliceOversized: &sl}).Split(context.Background(), frags(texts...), budget)
			if err != nil {
				t.Fatalf("round %d: %v", round, err)
			}
			if err := contract.ValidateChunks(got, budget); err != nil {
				t.Fatalf("round %d slice=%v: %v", round, slice, err)
			}
			if join(got) != strings.Join(texts, "") {
				t.Fatalf("round %d slice=%v: round trip mismatch", round, slice)
			}
		}
	}
}

func TestSplitErrors(t *testing.T) {
	if _, err := New(nil).Split(context.Background(), frags("a"), 0); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("预算非法应报 ErrInvalidInput: %v", err)
	}
	in := frags("a", "b")
	in[0], in[1] = in[1], in[0]
	if _, err := New(nil).Split(context.Background(), in, 10); !errors.Is(err, contract.ErrSeqInvalid) {
		t.Fatalf("乱序应报 ErrSeqInvalid: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(nil).Split(ctx, frags("a"), 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("取消应返回 ctx 错误: %v", err)
	}
}
