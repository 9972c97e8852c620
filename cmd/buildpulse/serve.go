/*
 * @description: serve 子命令: 只读 HTTP 视图 + 周期同步
 */

package main

import (
	"buildpulse/internal/app/pulse"
	"buildpulse/internal/pkg/logger"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewServeCmd 创建 serve 命令
func NewServeCmd() *cobra.Command {
	var (
		host  string
		port  int
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动只读 HTTP 视图，按 server.sync_interval 周期同步",
		Long: `以常驻方式运行: 提供报告页面、JSON API 与 /metrics，并按配置的间隔执行增量同步。
配置文件变化时重新加载标签、视图与排除列表，下一次同步使用新定义。

示例:
  buildpulse serve
  buildpulse serve --port 9090 --watch=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if host != "" {
				cfg.Server.Host = host
			}
			if port > 0 {
				cfg.Server.Port = port
			}

			app, err := pulse.NewApp(cfg, pulse.Options{})
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signalContext()
			defer stop()

			err = pulse.NewServer(app, cfgFile, env, watch).Run(ctx)
			logger.LogSystemEvent("server", "stopped", "buildpulse serve exiting", logrus.InfoLevel, nil)
			return err
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "监听地址，覆盖 server.host")
	cmd.Flags().IntVar(&port, "port", 0, "监听端口，覆盖 server.port")
	cmd.Flags().BoolVar(&watch, "watch", true, "监听配置文件变化并热加载")
	return cmd
}
