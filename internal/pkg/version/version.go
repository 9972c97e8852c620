// 版本信息，发布时通过 -ldflags 注入:
//
//	go build -ldflags "-X buildpulse/internal/pkg/version.GitCommit=$(git rev-parse --short HEAD) \
//	  -X buildpulse/internal/pkg/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "0.4.0" // 版本号 -- 发布时候更新版本号
	BuildTime string
	GitCommit string
	GoVersion = runtime.Version()
)

func GetVersion() string {
	return Version
}

// GetFullVersion 版本号附带提交信息
func GetFullVersion() string {
	if GitCommit == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s)", Version, GitCommit)
}

// GetUserAgent 请求 Jenkins 时使用的默认 UA
func GetUserAgent() string {
	return "buildpulse/" + Version + " (+" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}
