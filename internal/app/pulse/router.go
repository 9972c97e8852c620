package pulse

import (
	"net/http"
	"strings"
	"time"

	"buildpulse/internal/pkg/logger"
	"buildpulse/internal/pkg/version"

	"github.com/gin-gonic/gin"
)

// Router 路由管理器
type Router struct {
	engine *gin.Engine
	app    *App
}

// NewRouter 创建路由管理器实例
// mode: debug, release, test
func NewRouter(app *App, mode string) *Router {
	switch mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()

	return &Router{
		engine: engine,
		app:    app,
	}
}

// SetupRoutes 设置路由
// serve 模式只读，不提供修改存储的接口
func (r *Router) SetupRoutes() {
	r.engine.Use(gin.Recovery())
	r.engine.Use(GinSecurityHeadersMiddleware())
	r.engine.Use(GinLoggingMiddleware())

	r.engine.GET("/health", r.healthCheck)
	r.engine.GET("/ready", r.readinessCheck)
	r.engine.GET("/metrics", gin.WrapH(r.app.Metrics().Handler()))

	// 报告页面
	r.engine.GET("/", r.redirectToReport)
	r.engine.GET("/report", r.renderReport)

	// /api/v1
	v1 := r.engine.Group("/api/v1")
	{
		v1.GET("/stats", r.getStatistics)
		v1.GET("/issues", r.listIssues)
		v1.GET("/builds", r.listBuilds)
		v1.GET("/builds/log", r.getBuildLog)
		v1.GET("/builds/artifacts", r.listArtifacts)
		v1.GET("/builds/artifact", r.getArtifact)
		v1.GET("/passes/last", r.getLastPass)
	}
}

// Engine 获取 Gin 引擎
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// ServeHTTP 实现 http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}

// GinLoggingMiddleware 访问日志中间件
func GinLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// 探活与抓取指标请求太频繁，只在 debug 级别可见
		if path := c.Request.URL.Path; path == "/health" || path == "/ready" || path == "/metrics" {
			logger.Debugf("%s %s %d", c.Request.Method, path, c.Writer.Status())
			return
		}
		logger.LogAccessRequest(c, start)
	}
}

// GinSecurityHeadersMiddleware 安全头中间件
func GinSecurityHeadersMiddleware() gin.HandlerFunc {
	csp := strings.Join([]string{
		"default-src 'self'",
		"style-src 'self' 'unsafe-inline'",
		"img-src 'self' data:",
		"frame-ancestors 'none'",
	}, "; ")
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", csp)
		c.Header("X-Robots-Tag", "noindex, nofollow")
		c.Header("Server", "buildpulse/"+version.GetVersion())
		c.Next()
	}
}
