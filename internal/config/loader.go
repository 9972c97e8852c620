package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"buildpulse/internal/pkg/matcher"
	"buildpulse/internal/pkg/version"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var (
	// GlobalConfig 全局配置实例，仅供命令行入口使用，业务组件通过参数注入
	GlobalConfig *Config
)

// 支持的配置文件扩展名(按优先级)
var configExtensions = []string{".yaml", ".yml", ".toml"}

// LoadConfig 加载配置文件
// configPath: 配置文件路径或所在目录，为空则使用默认路径
// env: 环境标识，支持 development, test, production
func LoadConfig(configPath, env string) (*Config, error) {
	// 设置默认环境
	if env == "" {
		env = getEnvFromEnvironment()
	}

	// 创建viper实例
	v := viper.New()

	// 设置配置文件路径
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	// 根据环境选择配置文件，文件类型由扩展名决定(yaml/toml)
	configFile := getConfigFileName(configPath, env)
	v.SetConfigFile(configFile)

	// 设置环境变量前缀
	v.SetEnvPrefix("BUILDPULSE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	bindEnvironmentVariables(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	// 解析配置到结构体
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	normalizeConfig(&config)

	// 验证配置
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// 设置全局配置
	GlobalConfig = &config

	return &config, nil
}

// getEnvFromEnvironment 从环境变量获取环境标识
func getEnvFromEnvironment() string {
	env := os.Getenv("BUILDPULSE_ENV")
	if env == "" {
		env = os.Getenv("GO_ENV")
	}
	if env == "" {
		env = "development" // 默认开发环境
	}
	return env
}

// getDefaultConfigPath 获取默认配置文件路径
func getDefaultConfigPath() string {
	// 尝试从环境变量获取配置路径
	if configPath := os.Getenv("BUILDPULSE_CONFIG_PATH"); configPath != "" {
		return configPath
	}

	// 使用默认路径
	return "configs"
}

// getConfigFileName 根据环境获取配置文件名
// configPath 若直接指向文件则原样返回
func getConfigFileName(configPath, env string) string {
	if contains(configExtensions, strings.ToLower(filepath.Ext(configPath))) {
		return configPath
	}

	var base string
	switch env {
	case "production", "prod":
		base = "config.prod"
	case "test", "testing":
		base = "config.test"
	default:
		base = "config"
	}

	// 先找环境配置文件，再退回默认配置文件
	for _, name := range []string{base, "config"} {
		for _, ext := range configExtensions {
			candidate := filepath.Join(configPath, name+ext)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}

	return filepath.Join(configPath, base+".yaml")
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("database", "buildpulse.db")
	v.SetDefault("timezone", 0)

	v.SetDefault("source.request_timeout", 30*time.Second)
	v.SetDefault("source.build_timeout", 2*time.Minute)
	v.SetDefault("source.max_retries", 3)
	v.SetDefault("source.retry_interval", time.Second)
	v.SetDefault("source.max_retry_interval", 30*time.Second)
	v.SetDefault("source.requests_per_second", 0)
	v.SetDefault("source.burst", 1)
	v.SetDefault("source.builds_per_job", 1)
	v.SetDefault("source.console_statuses", []string{"FAILURE", "UNSTABLE", "ABORTED"})
	v.SetDefault("source.max_console_bytes", 64<<20)
	v.SetDefault("source.user_agent", version.GetUserAgent())
	v.SetDefault("source.artifacts", []string{})
	v.SetDefault("source.max_artifact_bytes", 4<<20)

	v.SetDefault("scan.workers", 8)
	v.SetDefault("scan.classify_timeout", 30*time.Second)
	v.SetDefault("scan.max_matches_per_tag", 10000)
	v.SetDefault("scan.max_snippet_bytes", 4096)
	v.SetDefault("scan.store_logs", true)
	v.SetDefault("scan.claim_ttl", 30*time.Minute)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.log_level", "warn")
	v.SetDefault("storage.busy_timeout", 5*time.Second)
	v.SetDefault("storage.max_idle_conns", 2)
	v.SetDefault("storage.max_open_conns", 1)
	v.SetDefault("storage.conn_max_lifetime", time.Hour)
	v.SetDefault("storage.mysql.port", 3306)
	v.SetDefault("storage.mysql.charset", "utf8mb4")
	v.SetDefault("storage.mysql.parse_time", true)
	v.SetDefault("storage.mysql.loc", "Local")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.key_prefix", "buildpulse")
	v.SetDefault("redis.ttl", 7*24*time.Hour)

	v.SetDefault("report.title", "Build Pulse")
	v.SetDefault("report.representatives", 5)
	v.SetDefault("report.min_severity", "Metadata")
	v.SetDefault("report.similarity_threshold", 0.8)
	v.SetDefault("report.max_variants", 5)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.sync_interval", 0)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("log.file_path", "logs/buildpulse.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.caller", false)
}

// bindEnvironmentVariables 绑定环境变量
func bindEnvironmentVariables(v *viper.Viper) {
	// Jenkins 凭据
	_ = v.BindEnv("username", "BUILDPULSE_USERNAME", "JENKINS_USER")
	_ = v.BindEnv("password", "BUILDPULSE_PASSWORD", "JENKINS_TOKEN")
	_ = v.BindEnv("jenkins_url", "BUILDPULSE_JENKINS_URL")
	_ = v.BindEnv("database", "BUILDPULSE_DATABASE")

	// 存储配置
	_ = v.BindEnv("storage.mysql.host", "BUILDPULSE_MYSQL_HOST")
	_ = v.BindEnv("storage.mysql.port", "BUILDPULSE_MYSQL_PORT")
	_ = v.BindEnv("storage.mysql.username", "BUILDPULSE_MYSQL_USERNAME")
	_ = v.BindEnv("storage.mysql.password", "BUILDPULSE_MYSQL_PASSWORD")
	_ = v.BindEnv("storage.mysql.database", "BUILDPULSE_MYSQL_DATABASE")

	_ = v.BindEnv("redis.host", "BUILDPULSE_REDIS_HOST")
	_ = v.BindEnv("redis.port", "BUILDPULSE_REDIS_PORT")
	_ = v.BindEnv("redis.password", "BUILDPULSE_REDIS_PASSWORD")
}

// normalizeConfig 规范化配置
func normalizeConfig(config *Config) {
	config.JenkinsURL = strings.TrimRight(strings.TrimSpace(config.JenkinsURL), "/")
	config.Project = strings.TrimSpace(config.Project)
	for i := range config.Blocklist {
		config.Blocklist[i] = strings.TrimSpace(config.Blocklist[i])
	}
	for i := range config.Source.ConsoleStatuses {
		config.Source.ConsoleStatuses[i] = strings.ToUpper(strings.TrimSpace(config.Source.ConsoleStatuses[i]))
	}
	config.Storage.Driver = strings.ToLower(config.Storage.Driver)
	config.Log.Level = strings.ToLower(config.Log.Level)
	config.Log.Format = strings.ToLower(config.Log.Format)
	config.Log.Output = strings.ToLower(config.Log.Output)
	if config.Scan.Workers <= 0 {
		config.Scan.Workers = 1
	}
	if config.Source.BuildsPerJob <= 0 {
		config.Source.BuildsPerJob = 1
	}
}

// validateConfig 验证配置
// 标签正则与重名校验由标签注册表负责，这里只做结构性检查
func validateConfig(config *Config) error {
	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%s", strings.Join(msgs, "; "))
		}
		return err
	}

	validDrivers := []string{"sqlite", "mysql"}
	if !contains(validDrivers, config.Storage.Driver) {
		return fmt.Errorf("invalid storage driver: %s", config.Storage.Driver)
	}

	if config.Storage.Driver == "mysql" && (config.Storage.MySQL.Host == "" || config.Storage.MySQL.Database == "") {
		return fmt.Errorf("mysql host and database are required when storage driver is mysql")
	}

	if config.Redis.Enabled && config.Redis.Host == "" {
		return fmt.Errorf("redis host is required when redis is enabled")
	}

	validStatuses := []string{"SUCCESS", "FAILURE", "UNSTABLE", "ABORTED", "NOT_BUILT"}
	for _, s := range config.Source.ConsoleStatuses {
		if !contains(validStatuses, s) {
			return fmt.Errorf("invalid console status: %s", s)
		}
	}

	// 验证日志配置
	validLogLevels := []string{"debug", "info", "warn", "error", "fatal", "panic"}
	if !contains(validLogLevels, config.Log.Level) {
		return fmt.Errorf("invalid log level: %s", config.Log.Level)
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, config.Log.Format) {
		return fmt.Errorf("invalid log format: %s", config.Log.Format)
	}

	validLogOutputs := []string{"stdout", "stderr", "file"}
	if !contains(validLogOutputs, config.Log.Output) {
		return fmt.Errorf("invalid log output: %s", config.Log.Output)
	}

	// 如果日志输出到文件，验证文件路径
	if config.Log.Output == "file" && config.Log.FilePath == "" {
		return fmt.Errorf("log file path is required when output is file")
	}

	validServerModes := []string{"debug", "release", "test"}
	if !contains(validServerModes, config.Server.Mode) {
		return fmt.Errorf("invalid server mode: %s", config.Server.Mode)
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Report.SimilarityThreshold < 0 || config.Report.SimilarityThreshold > 1 {
		return fmt.Errorf("report.similarity_threshold must be within [0, 1]: %v", config.Report.SimilarityThreshold)
	}

	for _, view := range config.Views {
		if err := matcher.Validate(view.Rule); err != nil {
			return fmt.Errorf("invalid rule of view %q: %w", view.Name, err)
		}
	}

	return nil
}

// contains 检查切片是否包含指定元素
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// GetConfig 获取全局配置
func GetConfig() *Config {
	return GlobalConfig
}

// MustLoadConfig 加载配置，如果失败则panic
func MustLoadConfig(configPath, env string) *Config {
	config, err := LoadConfig(configPath, env)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	return config
}
