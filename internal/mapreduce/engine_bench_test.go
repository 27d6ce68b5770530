package mapreduce

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"testing"

	"longctx/internal/fragment"
	"longctx/pkg/contract"
	"longctx/plugins/assembler/linear"
	"longctx/plugins/backend/echo"
	mrprompt "longctx/plugins/prompt/mapreduce"
	"longctx/plugins/splitter/linepack"
)

// benchFrags 生成 n 个多行片段，每个约 size 字节。
func benchFrags(n, size int) []contract.Fragment {
	line := strings.Repeat("lorem ipsum dolor sit amet ", 3) + "\n"
	text := strings.Repeat(line, max(size/len(line), 1))
	out := make([]contract.Fragment, 0, n)
	for i := range n {
		out = append(out, contract.Fragment{
			SourceID: fmt.Sprintf("doc-%03d.txt", i), Kind: contract.KindFile,
			Position: i, ByteLength: len(text), Content: fragment.Text(text),
		})
	}
	return out
}

// BenchmarkEngine 离线后端下的完整 split → map → reduce。
func BenchmarkEngine(b *testing.B) {
	frags := benchFrags(64, 16<<10)
	for _, p := range []int{1, runtime.NumCPU()} {
		b.Run(fmt.Sprintf("P=%d", p), func(b *testing.B) {
			be, err := echo.New(nil)
			if err != nil {
				b.Fatal(err)
			}
			pb, err := mrprompt.New(nil)
			if err != nil {
				b.Fatal(err)
			}
			asm, _ := linear.New(nil)
			e, err := New(Components{Backend: be, Splitter: linepack.New(nil), PromptBuilder: pb, Assembler: asm},
				Settings{MaxChunkBytes: 32 << 10, Parallelism: p}, Observability{})
			if err != nil {
				b.Fatal(err)
			}
			ctx := context.Background()
			b.ReportAllocs()
			b.ResetTimer()
			for range b.N {
				if _, err := e.Run(ctx, "summarize", frags); err != nil {
					b.Fatalf("运行失败: %v", err)
				}
			}
		})
	}
}
