package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"longctx/internal/cache"
	cfgpkg "longctx/internal/config"
)

func newCacheCmd(o *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "管理持久结果缓存",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "purge",
			Short: "删除已过期条目",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				c, path, err := openCache(cmd, o)
				if err != nil {
					return err
				}
				defer c.Close()
				n, err := c.PurgeExpired(cmd.Context())
				if err != nil {
					return fmt.Errorf("清理失败: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "已清理过期条目 %d 条（%s）\n", n, path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "清空全部条目",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				c, path, err := openCache(cmd, o)
				if err != nil {
					return err
				}
				defer c.Close()
				n, err := c.DeleteAll(cmd.Context())
				if err != nil {
					return fmt.Errorf("清空失败: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "已清空 %d 条（%s）\n", n, path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "显示条目数与占用",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				c, path, err := openCache(cmd, o)
				if err != nil {
					return err
				}
				defer c.Close()
				st, err := c.Stats(cmd.Context())
				if err != nil {
					return fmt.Errorf("统计失败: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "path:      %s\n", path)
				fmt.Fprintf(out, "entries:   %d\n", st.Entries)
				fmt.Fprintf(out, "expired:   %d\n", st.Expired)
				fmt.Fprintf(out, "stored:    %s\n", humanize.Bytes(uint64(st.Bytes)))
				fmt.Fprintf(out, "raw:       %s\n", humanize.Bytes(uint64(st.RawBytes)))
				return nil
			},
		},
	)
	return cmd
}

// openCache 按分层配置定位缓存文件；不清理过期条目，交由 purge 计数。
func openCache(cmd *cobra.Command, o *rootOpts) (*cache.Cache, string, error) {
	cfg, err := layered(o, nil)
	if err != nil {
		return nil, "", err
	}
	codec, err := cache.ParseCodec(cfg.Cache.Codec)
	if err != nil {
		return nil, "", configError{fmt.Errorf("配置校验失败: %w", err)}
	}
	path, err := cfgpkg.CachePath(cfg.Cache)
	if err != nil {
		return nil, "", err
	}
	c, err := cache.Open(cmd.Context(), cache.Options{Path: path, Codec: codec, KeepExpired: true})
	if err != nil {
		return nil, "", fmt.Errorf("打开缓存失败: %w", err)
	}
	return c, path, nil
}
