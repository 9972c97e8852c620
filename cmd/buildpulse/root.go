/*
 * @description: Cobra Root Command 定义
 */

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"buildpulse/internal/config"
	"buildpulse/internal/pkg/logger"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	env      string
	logLevel string

	// cfg 由 PersistentPreRunE 加载，子命令直接使用
	cfg *config.Config

	// showProgress 日志级别不高于 info 时输出过程提示
	showProgress = true
)

// 不需要加载配置的命令
const annotationNoConfig = "no-config"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "buildpulse",
	Short: "Build Pulse Jenkins 构建日志分类与问题排名",
	Long: `Build Pulse 从 Jenkins 拉取构建记录，用配置中的正则标签给控制台日志打标，
增量保存扫描结果，并按严重级别与影响面输出问题排名报告。

示例:
  1.同步并生成报告(默认)
	buildpulse -o report.html
  2.只同步
	buildpulse sync --workers 16
  3.从已有结果生成报告
	buildpulse report --format csv -o issues.csv
  4.启动只读 HTTP 视图并周期同步
	buildpulse serve --config configs/config.prod.yaml
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE: 加载配置并初始化日志，所有子命令共用
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[annotationNoConfig] == "true" {
			return nil
		}
		return initConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRun(cmd, &defaultRunOptions)
	},
}

// Execute 执行根命令，任何错误都以非零状态退出
func Execute() {
	// 全局 Panic Recovery
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n[FATAL] buildpulse crashed unexpectedly: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		pterm.Error.WithWriter(os.Stderr).Println(err)
		os.Exit(1)
	}
}

func init() {
	// 全局 Flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件或所在目录 (默认: ./configs)")
	rootCmd.PersistentFlags().StringVar(&env, "env", "", "环境标识 (development, test, production)，决定配置文件名")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (debug, info, warn, error)，覆盖配置")

	// 不带子命令时等价于 run
	addRunFlags(rootCmd, &defaultRunOptions)

	// 注册子命令
	rootCmd.AddCommand(NewRunCmd())
	rootCmd.AddCommand(NewSyncCmd())
	rootCmd.AddCommand(NewReportCmd())
	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewVersionCmd())
}

// initConfig 加载配置并初始化日志
// 配置无效(包括标签正则无法编译)时在任何扫描开始前失败
func initConfig(cmd *cobra.Command) error {
	loaded, err := config.LoadConfig(cfgFile, env)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	cfg = loaded

	initCLILogger(&cfg.Log)
	if _, err := logger.InitLogger(&cfg.Log); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	return nil
}

// initCLILogger pterm 的过程输出跟随日志级别
func initCLILogger(logCfg *config.LogConfig) {
	switch logCfg.Level {
	case "debug", "trace":
		pterm.EnableDebugMessages()
		showProgress = true
	case "info":
		pterm.DisableDebugMessages()
		showProgress = true
	default:
		pterm.DisableDebugMessages()
		showProgress = false
	}
}

// progressf 过程提示写到 w，报告占用 stdout 时由调用方传入 stderr
func progressf(w io.Writer, format string, args ...interface{}) {
	if !showProgress {
		return
	}
	pterm.Info.WithWriter(w).Printfln(format, args...)
}

// signalContext SIGINT/SIGTERM 取消同步，已提交的构建保持提交
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
