package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"longctx/internal/fragment"
	"longctx/pkg/contract"
	rfs "longctx/plugins/reader/filesystem"
)

type prefixReader struct {
	prefix string
	seen   []string
}

func (p *prefixReader) Accepts(s string) bool {
	return len(s) >= len(p.prefix) && s[:len(p.prefix)] == p.prefix
}

func (p *prefixReader) Iterate(ctx context.Context, s string, yield func(contract.Source) error) error {
	p.seen = append(p.seen, s)
	return yield(contract.Source{ID: s, Kind: contract.KindURL, Content: fragment.Text("from " + s)})
}

// UT-ING-01: 旗标顺序即片段顺序，各选择子分派到对应 Reader
func TestCollectPreservesOrder(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(a, []byte("alpha\n"), 0o644))

	web := &prefixReader{prefix: "https://"}
	cmd := &prefixReader{prefix: "cmd:"}
	r := NewRouter(rfs.New(nil), web, cmd)
	store := fragment.NewStore()
	sels := []Selector{
		{Kind: KindURL, Value: "example.org/x"},
		{Kind: KindText, Value: "literal one"},
		{Kind: KindFile, Value: a},
		{Kind: KindCmd, Value: "uname -a"},
		{Kind: KindText, Value: "literal two"},
	}
	require.NoError(t, Collect(context.Background(), r, store, sels, nil))

	frags := store.All()
	require.Len(t, frags, 5)
	ids := make([]string, len(frags))
	for i, f := range frags {
		assert.Equal(t, i, f.Position)
		ids[i] = f.SourceID
	}
	assert.Equal(t, []string{"https://example.org/x", "text#1", contract.NormalizeSourceID(a), "cmd:uname -a", "text#2"}, ids)
	assert.Equal(t, []string{"https://example.org/x"}, web.seen)
	assert.Equal(t, []string{"cmd:uname -a"}, cmd.seen)

	got, err := fragment.Load(context.Background(), frags[2])
	require.NoError(t, err)
	assert.Equal(t, "alpha\n", got)
}

// UT-ING-02: URL 选择子补全 scheme，别名保持原样
func TestResolveURL(t *testing.T) {
	cases := map[string]string{
		"example.org":          "https://example.org",
		"http://a.b/c":         "http://a.b/c",
		"bts:1000":             "bts:1000",
		"example.org:8080/doc": "https://example.org:8080/doc",
		"localhost:8080":       "https://localhost:8080",
		"archwiki:Systemd":     "archwiki:Systemd",
		"intranet:9000/wiki":   "https://intranet:9000/wiki",
	}
	for in, want := range cases {
		got, err := resolve(Selector{Kind: KindURL, Value: in})
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := resolve(Selector{Kind: KindCmd, Value: " "})
	assert.ErrorIs(t, err, contract.ErrPathInvalid)
	_, err = resolve(Selector{Kind: "bogus", Value: "x"})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

// UT-ING-03: 读取失败携带选择子并保留错误分类
func TestCollectError(t *testing.T) {
	r := NewRouter(rfs.New(nil))
	err := Collect(context.Background(), r, fragment.NewStore(), []Selector{{Kind: KindFile, Value: filepath.Join(t.TempDir(), "missing")}}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, contract.ErrPathInvalid)

	_, err = NewRouter(nil).pick("x")
	assert.ErrorIs(t, err, contract.ErrPathInvalid)
}
