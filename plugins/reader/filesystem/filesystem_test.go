package filesystem

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"longctx/pkg/contract"
)

func collect(t *testing.T, r *FileSystem, sel string) []contract.Source {
	t.Helper()
	var out []contract.Source
	err := r.Iterate(context.Background(), sel, func(s contract.Source) error {
		out = append(out, s)
		return nil
	})
	if err != nil {
		t.Fatalf("iterate %s: %v", sel, err)
	}
	return out
}

func load(t *testing.T, s contract.Source) string {
	t.Helper()
	txt, err := s.Content.Load(context.Background())
	if err != nil {
		t.Fatalf("load %s: %v", s.ID, err)
	}
	return txt
}

// TestIterateSingleFile 读取单文件（惰性句柄）
func TestIterateSingleFile(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, "a.txt")
	os.WriteFile(fp, []byte("hello"), 0o644)
	got := collect(t, New(nil), fp)
	if len(got) != 1 {
		t.Fatalf("want 1 source, got %d", len(got))
	}
	if got[0].ID != contract.NormalizeSourceID(fp) || got[0].Kind != contract.KindFile {
		t.Fatalf("source mismatch %+v", got[0])
	}
	if n, _ := got[0].Content.Len(); n != 5 {
		t.Fatalf("len=%d", n)
	}
	// 写入发生在 Iterate 之后，Load 读到最新内容，说明读取被推迟
	os.WriteFile(fp, []byte("hello!"), 0o644)
	if s := load(t, got[0]); s != "hello!" {
		t.Fatalf("lazy load got %q", s)
	}
}

// TestWalkDirOrder 目录：先子目录后文件，均按字典序
func TestWalkDirOrder(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "b"), 0o755)
	os.WriteFile(filepath.Join(root, "b", "x.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(root, "c.txt"), []byte("c"), 0o644)
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644)
	var ids []string
	for _, s := range collect(t, New(nil), root) {
		ids = append(ids, filepath.Base(s.ID))
	}
	if strings.Join(ids, ",") != "x.txt,a.txt,c.txt" {
		t.Fatalf("order: %v", ids)
	}
}

// TestExcludeDir 默认跳过 .git 与 __pycache__，可配置覆盖
func TestExcludeDir(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{".git", "__pycache__", "Vendor", "src"} {
		os.MkdirAll(filepath.Join(root, d), 0o755)
		os.WriteFile(filepath.Join(root, d, "f.txt"), []byte(d), 0o644)
	}
	got := collect(t, New(nil), root)
	if len(got) != 2 {
		t.Fatalf("default exclude: got %d sources", len(got))
	}
	got = collect(t, New(&Options{ExcludeDirNames: []string{"vendor"}}), root)
	for _, s := range got {
		if strings.Contains(s.ID, "Vendor") {
			t.Fatalf("vendor not excluded: %s", s.ID)
		}
	}
	if len(got) != 3 {
		t.Fatalf("custom exclude: got %d sources", len(got))
	}
}

// TestSkipBinaryInDir 目录内非 UTF-8 / 含 NUL 的文件被跳过；显式指定时保留
func TestSkipBinaryInDir(t *testing.T) {
	root := t.TempDir()
	bin := filepath.Join(root, "blob.bin")
	os.WriteFile(bin, []byte{0x7f, 'E', 'L', 'F', 0, 1, 2}, 0o644)
	os.WriteFile(filepath.Join(root, "latin1.txt"), []byte{'c', 'a', 'f', 0xe9}, 0o644)
	os.WriteFile(filepath.Join(root, "ok.txt"), []byte("naïve\n"), 0o644)
	got := collect(t, New(nil), root)
	if len(got) != 1 || filepath.Base(got[0].ID) != "ok.txt" {
		t.Fatalf("binary not skipped: %+v", got)
	}
	if got := collect(t, New(nil), bin); len(got) != 1 {
		t.Fatalf("explicit file should be kept")
	}
}

// TestSniffBoundary 嗅探窗口截断在多字节字符中间时仍视为文本
func TestSniffBoundary(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "u.txt"), []byte(strings.Repeat("é", 10)), 0o644)
	got := collect(t, New(&Options{SniffBytes: 5}), root)
	if len(got) != 1 {
		t.Fatalf("utf8 file split by sniff window should pass")
	}
}

// TestIterateStdin "-" 与 "stdin" 读取标准输入
func TestIterateStdin(t *testing.T) {
	for _, sel := range []string{"-", "stdin"} {
		r := New(&Options{Stdin: strings.NewReader("from pipe")})
		got := collect(t, r, sel)
		if len(got) != 1 || got[0].Kind != contract.KindStdin || got[0].ID != "stdin" {
			t.Fatalf("stdin source: %+v", got)
		}
		if s := load(t, got[0]); s != "from pipe" {
			t.Fatalf("stdin text %q", s)
		}
	}
}

// TestIterateLineRange path:a-b 与 path:a- 选择行区间并带区间标签
func TestIterateLineRange(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, "f.txt")
	os.WriteFile(fp, []byte("l1\nl2\nl3\nl4\n"), 0o644)

	got := collect(t, New(nil), fp+":2-3")
	if len(got) != 1 {
		t.Fatalf("want 1, got %d", len(got))
	}
	if s := load(t, got[0]); s != "l2\nl3\n" {
		t.Fatalf("range text %q", s)
	}
	if !strings.HasSuffix(got[0].Label, "(lines 2-3)") {
		t.Fatalf("label %q", got[0].Label)
	}
	got = collect(t, New(nil), fp+":3-")
	if s := load(t, got[0]); s != "l3\nl4\n" {
		t.Fatalf("open range text %q", s)
	}
	if !strings.HasSuffix(got[0].Label, "(lines 3-end)") {
		t.Fatalf("label %q", got[0].Label)
	}
	err := New(nil).Iterate(context.Background(), fp+":0-2", func(contract.Source) error { return nil })
	if !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
}

// TestFileURLPrefix file:// 前缀按本地路径处理
func TestFileURLPrefix(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, "a.txt")
	os.WriteFile(fp, []byte("x"), 0o644)
	got := collect(t, New(nil), "file://"+fp)
	if len(got) != 1 || got[0].ID != contract.NormalizeSourceID(fp) {
		t.Fatalf("file:// source %+v", got)
	}
}

// TestIterateMissing 不存在的路径 → ErrPathInvalid
func TestIterateMissing(t *testing.T) {
	err := New(nil).Iterate(context.Background(), filepath.Join(t.TempDir(), "nope"), func(contract.Source) error { return nil })
	if !errors.Is(err, contract.ErrPathInvalid) {
		t.Fatalf("want ErrPathInvalid, got %v", err)
	}
	err = New(nil).Iterate(context.Background(), "", func(contract.Source) error { return nil })
	if !errors.Is(err, contract.ErrPathInvalid) {
		t.Fatalf("empty selector: %v", err)
	}
}

// TestIterateCtxCancel 取消的上下文立即返回
func TestIterateCtxCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(nil).Iterate(ctx, t.TempDir(), func(contract.Source) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled, got %v", err)
	}
}

// TestYieldErrorStops 回调错误中止遍历并原样返回
func TestYieldErrorStops(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644)
	os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0o644)
	stop := errors.New("stop")
	calls := 0
	err := New(nil).Iterate(context.Background(), root, func(contract.Source) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}
