//go:build !windows

package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"longctx/pkg/contract"
)

func readOne(t *testing.T, c *Command, sel string) (contract.Source, string) {
	t.Helper()
	var got []contract.Source
	require.NoError(t, c.Iterate(context.Background(), sel, func(s contract.Source) error {
		got = append(got, s)
		return nil
	}))
	require.Len(t, got, 1)
	txt, err := got[0].Content.Load(context.Background())
	require.NoError(t, err)
	return got[0], txt
}

// UT-CMD-01: cmd: 经 shell 执行，行尾空白被去除。
func TestCmd(t *testing.T) {
	src, txt := readOne(t, New(nil), "cmd:printf 'a  \\nb\\n'")
	assert.Equal(t, "a\nb\n", txt)
	assert.Equal(t, contract.KindCommand, src.Kind)
	assert.Equal(t, "cmd:printf 'a  \\nb\\n'", src.ID)
	assert.Equal(t, "output of command `printf 'a  \\nb\\n'`", src.Label)
}

// UT-CMD-02: 非零退出 → ErrPathInvalid。
func TestCmdFailure(t *testing.T) {
	err := New(nil).Iterate(context.Background(), "cmd:echo oops >&2; exit 3", func(contract.Source) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, contract.ErrPathInvalid)
	assert.Contains(t, err.Error(), "oops")
}

// UT-CMD-03: 输出截断与超时。
func TestLimitsAndTimeout(t *testing.T) {
	_, txt := readOne(t, New(&Options{MaxBytes: 4}), "cmd:printf 0123456789")
	assert.Equal(t, "0123", txt)

	err := New(&Options{TimeoutSeconds: 1}).Iterate(context.Background(), "cmd:sleep 5", func(contract.Source) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// UT-CMD-04: 前缀识别与空命令。
func TestAccepts(t *testing.T) {
	c := New(nil)
	assert.True(t, c.Accepts("cmd:ls"))
	assert.True(t, c.Accepts("man:ls"))
	assert.True(t, c.Accepts("tldr:tar"))
	assert.False(t, c.Accepts("bts:1"))
	err := c.Iterate(context.Background(), "cmd:  ", func(contract.Source) error { return nil })
	assert.ErrorIs(t, err, contract.ErrPathInvalid)
}
