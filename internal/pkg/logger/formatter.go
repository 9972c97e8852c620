// 日志类型与领域日志辅助方法
package logger

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// FormatTimestamp 格式化时间戳为统一的毫秒精度格式
func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05.000")
}

// NowFormatted 返回当前时间的格式化字符串
func NowFormatted() string {
	return FormatTimestamp(time.Now())
}

// LogType 日志类型枚举
type LogType string

const (
	// SyncLog 同步日志 - 记录构建拉取、分类、入库
	SyncLog LogType = "sync"
	// ReportLog 报告日志 - 记录报告生成
	ReportLog LogType = "report"
	// AccessLog 访问日志 - 记录 serve 模式的HTTP请求
	AccessLog LogType = "access"
	// ErrorLog 错误日志 - 记录系统错误和异常
	ErrorLog LogType = "error"
	// SystemLog 系统日志 - 记录启动、关闭、组件状态
	SystemLog LogType = "system"
)

// logAt 按级别输出
func logAt(entry *logrus.Entry, level logrus.Level, msg string) {
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		entry.Debug(msg)
	case logrus.WarnLevel:
		entry.Warn(msg)
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
}

// LogError 记录错误日志
// component: 出错的组件(repo, source, syncer...)，operation: 出错的操作
func LogError(err error, component, operation string, extraFields map[string]interface{}) {
	if LoggerInstance == nil || err == nil {
		return
	}

	fields := logrus.Fields{
		"type":      ErrorLog,
		"error":     err.Error(),
		"component": component,
		"operation": operation,
	}
	for k, v := range extraFields {
		fields[k] = v
	}

	LoggerInstance.logger.WithFields(fields).Errorf("System error occurred: %s", err.Error())
}

// LogSystemEvent 记录系统事件日志
// 用于记录启动、关闭、数据库迁移等系统级事件
func LogSystemEvent(component, event, message string, level logrus.Level, extraFields map[string]interface{}) {
	if LoggerInstance == nil {
		return
	}

	fields := logrus.Fields{
		"type":      SystemLog,
		"component": component,
		"event":     event,
		"detail":    message,
	}
	for k, v := range extraFields {
		fields[k] = v
	}

	logAt(LoggerInstance.logger.WithFields(fields), level, fmt.Sprintf("System event: %s - %s", component, event))
}

// LogSyncEvent 记录同步过程中单个构建的事件
func LogSyncEvent(passID, buildID, event, message string, level logrus.Level, extraFields map[string]interface{}) {
	if LoggerInstance == nil {
		return
	}

	fields := logrus.Fields{
		"type":     SyncLog,
		"pass_id":  passID,
		"build_id": buildID,
		"event":    event,
	}
	for k, v := range extraFields {
		fields[k] = v
	}

	logAt(LoggerInstance.logger.WithFields(fields), level, message)
}

// LogReportEvent 记录报告生成事件
func LogReportEvent(format, output string, issues int, extraFields map[string]interface{}) {
	if LoggerInstance == nil {
		return
	}

	fields := logrus.Fields{
		"type":   ReportLog,
		"format": format,
		"output": output,
		"issues": issues,
	}
	for k, v := range extraFields {
		fields[k] = v
	}

	LoggerInstance.logger.WithFields(fields).Info("Report generated")
}

// LogAccessRequest 记录HTTP访问日志
func LogAccessRequest(c *gin.Context, startTime time.Time) {
	if LoggerInstance == nil {
		return
	}

	LoggerInstance.logger.WithFields(logrus.Fields{
		"type":          AccessLog,
		"method":        c.Request.Method,
		"path":          c.Request.URL.Path,
		"query":         c.Request.URL.RawQuery,
		"status_code":   c.Writer.Status(),
		"response_time": time.Since(startTime).Milliseconds(),
		"client_ip":     c.ClientIP(),
		"user_agent":    c.Request.UserAgent(),
		"response_size": c.Writer.Size(),
	}).Info("HTTP request")
}
