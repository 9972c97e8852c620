/*
 * @description: report 子命令: 基于已有扫描结果生成报告，不访问 Jenkins
 */

package main

import (
	"context"

	"buildpulse/internal/app/pulse"
	"buildpulse/internal/service/report"

	"github.com/spf13/cobra"
)

// NewReportCmd 创建 report 命令
func NewReportCmd() *cobra.Command {
	var (
		output string
		format string
		top    int
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "从本地存储生成报告",
		Long: `读取本地存储中的全部扫描结果，排名后输出报告。不访问 Jenkins，也不修改存储。
修改标签严重级别或描述后可以直接重新生成报告。

示例:
  buildpulse report -o report.html
  buildpulse report --format yaml
  buildpulse report -o issues.csv --top 0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := report.DetectFormat(output, format)
			if err != nil {
				return err
			}
			app, err := pulse.NewApp(cfg, pulse.Options{})
			if err != nil {
				return err
			}
			defer app.Close()

			console := cmd.OutOrStdout()
			if output == "" || output == "-" {
				console = cmd.ErrOrStderr()
			}
			return writeReport(context.Background(), app, output, format, top, cmd.OutOrStdout(), console)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "报告输出路径，为空或 - 时输出到 stdout")
	cmd.Flags().StringVar(&format, "format", "", "报告格式 (html, json, csv, yaml)，默认按输出扩展名推断")
	cmd.Flags().IntVar(&top, "top", 10, "控制台摘要中展示的问题数，0 不展示")
	return cmd
}
