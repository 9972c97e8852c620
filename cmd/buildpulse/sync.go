/*
 * @description: sync 子命令: 只同步不生成报告
 */

package main

import (
	"errors"
	"fmt"

	"buildpulse/internal/app/pulse"

	"github.com/spf13/cobra"
)

// NewSyncCmd 创建 sync 命令
func NewSyncCmd() *cobra.Command {
	var (
		fresh   bool
		force   bool
		workers int
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "增量同步 Jenkins 构建到本地存储",
		Long: `列出项目视图下的构建，拉取并分类尚未扫描的构建，结果写入本地存储。
中断(Ctrl+C)后已提交的构建保持提交，下次同步从剩余的构建继续。

示例:
  buildpulse sync
  buildpulse sync --force --workers 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if workers < 0 {
				return errors.New("--workers must not be negative")
			}
			app, err := pulse.NewApp(cfg, pulse.Options{Fresh: fresh, Force: force, Workers: workers})
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signalContext()
			defer stop()

			summary, err := app.Sync(ctx)
			if summary != nil {
				if perr := summary.Print(cmd.OutOrStdout()); perr != nil {
					return perr
				}
			}
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			return nil
		},
	}
	addSyncFlags(cmd, &fresh, &force, &workers)
	return cmd
}
