/*
 * @description: run 子命令: 增量同步后生成报告
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"buildpulse/internal/app/pulse"
	"buildpulse/internal/pkg/logger"
	"buildpulse/internal/service/report"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// runOptions run 命令参数
type runOptions struct {
	output  string
	format  string
	fresh   bool
	force   bool
	workers int
	top     int
}

// 根命令不带子命令时使用的参数
var defaultRunOptions runOptions

func addRunFlags(cmd *cobra.Command, opts *runOptions) {
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "报告输出路径，为空或 - 时输出到 stdout")
	cmd.Flags().StringVar(&opts.format, "format", "", "报告格式 (html, json, csv, yaml)，默认按输出扩展名推断")
	addSyncFlags(cmd, &opts.fresh, &opts.force, &opts.workers)
	cmd.Flags().IntVar(&opts.top, "top", 10, "控制台摘要中展示的问题数")
}

func addSyncFlags(cmd *cobra.Command, fresh, force *bool, workers *int) {
	cmd.Flags().BoolVar(fresh, "fresh", false, "丢弃已有存储，全部重新扫描")
	cmd.Flags().BoolVar(force, "force", false, "保留存储但重新扫描已扫描的构建")
	cmd.Flags().IntVar(workers, "workers", 0, "并发 worker 数，覆盖 scan.workers")
}

// NewRunCmd 创建 run 命令
func NewRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "同步 Jenkins 构建并生成报告 (默认命令)",
		Long: `执行一次增量同步: 只拉取并分类尚未扫描的构建，然后基于全部已扫描结果生成报告。

示例:
  buildpulse run -o out/report.html
  buildpulse run --format json > report.json
  buildpulse run --fresh --workers 16`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, opts)
		},
	}
	addRunFlags(cmd, opts)
	return cmd
}

func runRun(cmd *cobra.Command, opts *runOptions) error {
	if opts.workers < 0 {
		return errors.New("--workers must not be negative")
	}
	// 先校验格式，避免同步完成后才发现参数错误
	format, err := report.DetectFormat(opts.output, opts.format)
	if err != nil {
		return err
	}

	app, err := pulse.NewApp(cfg, pulse.Options{Fresh: opts.fresh, Force: opts.force, Workers: opts.workers})
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signalContext()
	defer stop()

	// 报告输出到 stdout 时，摘要写到 stderr
	console := cmd.OutOrStdout()
	if opts.output == "" || opts.output == "-" {
		console = cmd.ErrOrStderr()
	}

	progressf(console, "Syncing %s view %q", cfg.JenkinsURL, cfg.Project)
	summary, err := app.Sync(ctx)
	if summary != nil {
		if perr := summary.Print(console); perr != nil {
			logger.LogError(perr, "cli", "print_summary", nil)
		}
	}
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	return writeReport(ctx, app, opts.output, format, opts.top, cmd.OutOrStdout(), console)
}

// writeReport 生成报告并写出，随后在控制台打印前 top 个问题
func writeReport(ctx context.Context, app *pulse.App, output, format string, top int, stdout, console io.Writer) error {
	rep, err := app.Report(ctx)
	if err != nil {
		return fmt.Errorf("failed to build report: %w", err)
	}
	if err := report.Write(output, format, rep, stdout); err != nil {
		return err
	}

	target := output
	if target == "" || target == "-" {
		target = "stdout"
	}
	logger.LogReportEvent(format, target, len(rep.Issues), map[string]interface{}{
		"builds": len(rep.Builds),
		"views":  len(rep.Views),
	})

	if top > 0 {
		if err := report.PrintSummary(console, rep, top); err != nil {
			return err
		}
	}
	if target != "stdout" {
		pterm.Success.WithWriter(console).Printfln("Report written to %s (%s)", output, format)
	}
	return nil
}
