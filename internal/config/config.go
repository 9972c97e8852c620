package config

import (
	"fmt"
	"time"

	"buildpulse/internal/pkg/matcher"
)

// Config 应用配置结构体 [一级字段与原有 Jenkins 配置文件保持一致]
type Config struct {
	JenkinsURL string       `yaml:"jenkins_url" mapstructure:"jenkins_url" validate:"required,url"` // Jenkins 地址
	Project    string       `yaml:"project" mapstructure:"project" validate:"required"`             // 监控的视图(项目)名
	Username   string       `yaml:"username" mapstructure:"username"`                               // 用户名(可选)
	Password   string       `yaml:"password" mapstructure:"password"`                               // 密码或 API Token(可选)
	Database   string       `yaml:"database" mapstructure:"database" validate:"required"`           // 数据库文件路径
	Timezone   int          `yaml:"timezone" mapstructure:"timezone" validate:"min=-12,max=14"`     // 时间渲染使用的 UTC 偏移(小时)
	Blocklist  []string     `yaml:"blocklist" mapstructure:"blocklist"`                             // 排除的 Job 名称
	Tags       []TagConfig  `yaml:"tag" mapstructure:"tag" validate:"dive"`                         // 标签定义
	Views      []ViewConfig `yaml:"view" mapstructure:"view" validate:"dive"`                       // 报告视图

	Source  SourceConfig  `yaml:"source" mapstructure:"source"`   // 构建源访问配置
	Scan    ScanConfig    `yaml:"scan" mapstructure:"scan"`       // 扫描配置
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"` // 存储配置
	Redis   RedisConfig   `yaml:"redis" mapstructure:"redis"`     // 日志缓存配置
	Report  ReportConfig  `yaml:"report" mapstructure:"report"`   // 报告配置
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`   // HTTP 服务配置
	Log     LogConfig     `yaml:"log" mapstructure:"log"`         // 日志配置
}

// TagConfig 标签定义
type TagConfig struct {
	Name     string `yaml:"name" mapstructure:"name" validate:"required"`         // 唯一名称
	Desc     string `yaml:"desc" mapstructure:"desc"`                             // 描述
	Pattern  string `yaml:"pattern" mapstructure:"pattern" validate:"required"`   // 正则表达式(多行模式)
	From     string `yaml:"from" mapstructure:"from" validate:"required"`         // Console | RunName
	Severity string `yaml:"severity" mapstructure:"severity" validate:"required"` // Error | Warning | Info | Metadata
}

// ViewConfig 报告视图，按规则筛选构建
type ViewConfig struct {
	Name string            `yaml:"name" mapstructure:"name" validate:"required"` // 视图名称
	Desc string            `yaml:"desc" mapstructure:"desc"`                     // 视图描述
	Rule matcher.MatchRule `yaml:"rule" mapstructure:"rule"`                     // 筛选规则
}

// SourceConfig 构建源(Jenkins)访问配置
type SourceConfig struct {
	RequestTimeout    time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`         // 单次请求超时
	BuildTimeout      time.Duration `yaml:"build_timeout" mapstructure:"build_timeout"`             // 单个构建拉取总超时
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries"`                 // 最大重试次数
	RetryInterval     time.Duration `yaml:"retry_interval" mapstructure:"retry_interval"`           // 初始重试间隔
	MaxRetryInterval  time.Duration `yaml:"max_retry_interval" mapstructure:"max_retry_interval"`   // 最大重试间隔
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"` // 请求速率限制(0 表示不限)
	Burst             int           `yaml:"burst" mapstructure:"burst"`                             // 突发请求数
	BuildsPerJob      int           `yaml:"builds_per_job" mapstructure:"builds_per_job"`           // 每个 Job 拉取的历史构建数
	ConsoleStatuses   []string      `yaml:"console_statuses" mapstructure:"console_statuses"`       // 需要拉取控制台日志的构建状态
	MaxConsoleBytes   int64         `yaml:"max_console_bytes" mapstructure:"max_console_bytes"`     // 控制台日志最大读取字节数(保留末尾)
	UserAgent         string        `yaml:"user_agent" mapstructure:"user_agent"`                   // 请求 UA
	Artifacts         []string      `yaml:"artifacts" mapstructure:"artifacts"`                     // 失败构建需要保存的产物(相对路径通配符)
	MaxArtifactBytes  int64         `yaml:"max_artifact_bytes" mapstructure:"max_artifact_bytes"`   // 单个产物最大字节数，超出则跳过
}

// ScanConfig 扫描配置
type ScanConfig struct {
	Workers          int           `yaml:"workers" mapstructure:"workers" validate:"min=1"`        // 并发 worker 数
	ClassifyTimeout  time.Duration `yaml:"classify_timeout" mapstructure:"classify_timeout"`       // 单个构建分类超时
	MaxMatchesPerTag int           `yaml:"max_matches_per_tag" mapstructure:"max_matches_per_tag"` // 单个标签最多记录的匹配次数
	MaxSnippetBytes  int           `yaml:"max_snippet_bytes" mapstructure:"max_snippet_bytes"`     // 片段最大保存字节数
	StoreLogs        bool          `yaml:"store_logs" mapstructure:"store_logs"`                   // 是否在数据库中缓存控制台日志
	ClaimTTL         time.Duration `yaml:"claim_ttl" mapstructure:"claim_ttl"`                     // 认领过期时间
}

// StorageConfig 存储配置
type StorageConfig struct {
	Driver          string        `yaml:"driver" mapstructure:"driver"`                         // sqlite | mysql
	LogLevel        string        `yaml:"log_level" mapstructure:"log_level"`                   // GORM 日志级别
	BusyTimeout     time.Duration `yaml:"busy_timeout" mapstructure:"busy_timeout"`             // SQLite busy_timeout
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`         // 最大空闲连接数
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`         // 最大打开连接数
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`   // 连接最大生存时间
	MySQL           MySQLConfig   `yaml:"mysql" mapstructure:"mysql"`                           // MySQL 配置
}

// MySQLConfig MySQL数据库配置
type MySQLConfig struct {
	Host      string `yaml:"host" mapstructure:"host"`             // 数据库主机
	Port      int    `yaml:"port" mapstructure:"port"`             // 数据库端口
	Username  string `yaml:"username" mapstructure:"username"`     // 用户名
	Password  string `yaml:"password" mapstructure:"password"`     // 密码
	Database  string `yaml:"database" mapstructure:"database"`     // 数据库名
	Charset   string `yaml:"charset" mapstructure:"charset"`       // 字符集
	ParseTime bool   `yaml:"parse_time" mapstructure:"parse_time"` // 是否解析时间
	Loc       string `yaml:"loc" mapstructure:"loc"`               // 时区
}

// RedisConfig Redis配置(控制台日志缓存)
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`               // 是否启用
	Host         string        `yaml:"host" mapstructure:"host"`                     // Redis主机
	Port         int           `yaml:"port" mapstructure:"port"`                     // Redis端口
	Password     string        `yaml:"password" mapstructure:"password"`             // Redis密码
	Database     int           `yaml:"database" mapstructure:"database"`             // Redis数据库索引
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`           // 连接池大小
	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`     // 连接超时
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`     // 读取超时
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`   // 写入超时
	KeyPrefix    string        `yaml:"key_prefix" mapstructure:"key_prefix"`         // 键前缀
	TTL          time.Duration `yaml:"ttl" mapstructure:"ttl"`                       // 日志缓存过期时间
}

// ReportConfig 报告配置
type ReportConfig struct {
	Title               string  `yaml:"title" mapstructure:"title"`                               // 报告标题
	Representatives     int     `yaml:"representatives" mapstructure:"representatives"`           // 每个问题展示的代表构建数
	MinSeverity         string  `yaml:"min_severity" mapstructure:"min_severity"`                 // 排名的最低严重级别
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"` // 片段相似度阈值(0~1)
	MaxVariants         int     `yaml:"max_variants" mapstructure:"max_variants"`                 // 每个问题最多展示的片段变体
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`                   // 监听地址
	Port         int           `yaml:"port" mapstructure:"port"`                   // 监听端口
	Mode         string        `yaml:"mode" mapstructure:"mode"`                   // 运行模式: debug, release, test
	SyncInterval time.Duration `yaml:"sync_interval" mapstructure:"sync_interval"` // 周期同步间隔(0 表示不同步)
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`   // 读取超时时间
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"` // 写入超时时间
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`             // 日志级别
	Format     string `yaml:"format" mapstructure:"format"`           // 日志格式: json, text
	Output     string `yaml:"output" mapstructure:"output"`           // 输出方式: stdout, stderr, file
	FilePath   string `yaml:"file_path" mapstructure:"file_path"`     // 日志文件路径
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // 单个日志文件最大大小(MB)
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // 保留的日志文件数量
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // 日志文件保留天数
	Compress   bool   `yaml:"compress" mapstructure:"compress"`       // 是否压缩日志文件
	Caller     bool   `yaml:"caller" mapstructure:"caller"`           // 是否显示调用者信息
}

// Location 返回渲染时间使用的时区
func (c *Config) Location() *time.Location {
	if c.Timezone == 0 {
		return time.UTC
	}
	return time.FixedZone(fmt.Sprintf("UTC%+d", c.Timezone), c.Timezone*3600)
}

// IsBlocklisted 判断 Job 是否在排除列表中
func (c *Config) IsBlocklisted(job string) bool {
	return contains(c.Blocklist, job)
}
