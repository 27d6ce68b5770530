package stress

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	cfgpkg "longctx/internal/config"
	"longctx/internal/fragment"
	"longctx/internal/ingest"
	"longctx/internal/mapreduce"
)

// baseConfig 构造离线可运行的最小配置：echo 后端带固定延迟，不使用缓存。
func baseConfig(parallelism int) cfgpkg.Config {
	cfg := cfgpkg.Defaults()
	cfg.LLM = "stress"
	cfg.ChunkBytes = 2048
	cfg.Parallelism = parallelism
	cfg.Logging.Level = "error"
	cfg.Cache.Disabled = true
	cfg.Provider = map[string]cfgpkg.Provider{
		"stress": {
			Client:  "echo",
			Options: json.RawMessage(`{"prefix":"STRESS","delay_ms":5}`),
		},
	}
	return cfg
}

// runEngine 执行一次完整的 map-reduce。
func runEngine(cfg cfgpkg.Config, input string) (*mapreduce.Result, error) {
	ctx := context.Background()
	rt, err := cfgpkg.Assemble(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer rt.Close()
	store := fragment.NewStore()
	if err := ingest.Collect(ctx, rt.Reader, store, []ingest.Selector{{Kind: ingest.KindFile, Value: input}}, nil); err != nil {
		return nil, err
	}
	eng, err := mapreduce.New(rt.Components, rt.Settings, mapreduce.Observability{})
	if err != nil {
		return nil, err
	}
	return eng.Run(ctx, "summarize", store.All())
}

// TestStress 在不同并发度下运行引擎并记录延迟统计。
func TestStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress")
	}
	in := filepath.Join(t.TempDir(), "input.txt")
	var sb strings.Builder
	for i := range 5000 {
		fmt.Fprintf(&sb, "%05d lorem ipsum dolor sit amet, consectetur adipiscing elit\n", i)
	}
	if err := os.WriteFile(in, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	levels := []int{1, 8, 16, 32, 64}
	for _, par := range levels {
		t.Run(fmt.Sprintf("parallelism_%d", par), func(t *testing.T) {
			const runs = 5
			successes := 0
			latencies := make([]time.Duration, 0, runs)
			var chunks int
			for i := range runs {
				start := time.Now()
				res, err := runEngine(baseConfig(par), in)
				dur := time.Since(start)
				if err != nil {
					t.Errorf("run %d: %v", i, err)
					continue
				}
				if len(res.Answers) != res.Chunks {
					t.Errorf("run %d: answers=%d chunks=%d", i, len(res.Answers), res.Chunks)
					continue
				}
				chunks = res.Chunks
				successes++
				latencies = append(latencies, dur)
			}
			if successes == 0 {
				t.Fatalf("全部运行失败")
			}
			sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
			var total time.Duration
			for _, d := range latencies {
				total += d
			}
			avg := total / time.Duration(len(latencies))
			idx := int(math.Ceil(float64(len(latencies))*0.95)) - 1
			if idx < 0 {
				idx = 0
			}
			p95 := latencies[idx]
			t.Logf("并发%d 块数%d 成功率%.2f 平均%v 95%%延迟%v", par, chunks, float64(successes)/float64(runs), avg, p95)
		})
	}
}
