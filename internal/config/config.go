package config

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"PhoneAgent-Web/pkg/logger"
)

// EnvConfigPath 指定启动配置文件位置的环境变量。
const EnvConfigPath = "PHONE_AGENT_CONFIG"

// DefaultPath 是未指定配置文件时的默认位置。
const DefaultPath = "configs/phoneagent.json"

// Config 描述了控制面在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Settings SettingsConfig `json:"settings"`
	Executor ExecutorConfig `json:"executor"`
	Runner   RunnerConfig   `json:"runner"`
	Device   DeviceConfig   `json:"device"`
	Apps     AppsConfig     `json:"apps"`
	Notify   NotifyConfig   `json:"notify"`
	Logging  logger.Config  `json:"logging"`
}

// ServerConfig 控制 HTTP 服务的监听地址等参数。
type ServerConfig struct {
	Address         string `json:"address"`
	StaticDir       string `json:"static_dir"`
	ShutdownSeconds int    `json:"shutdown_seconds"`
}

// SettingsConfig 描述运行配置的持久化方式。
type SettingsConfig struct {
	Driver string      `json:"driver"`
	Path   string      `json:"path"`
	DSN    string      `json:"dsn"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// ExecutorConfig 选择任务执行器。
type ExecutorConfig struct {
	Driver string             `json:"driver"`
	Python PythonBridgeConfig `json:"python_bridge"`
	Chat   ChatConfig         `json:"chat"`
}

// PythonBridgeConfig 描述通过 Python 脚本驱动智能体时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// ChatConfig 描述 chat 执行器的 HTTP 参数。
type ChatConfig struct {
	TimeoutSeconds int     `json:"timeout_seconds"`
	Temperature    float64 `json:"temperature"`
}

// RunnerConfig 控制运行监督者。
type RunnerConfig struct {
	MaxPendingChunks   int `json:"max_pending_chunks"`
	MaxDurationSeconds int `json:"max_duration_seconds"`
	HeartbeatSeconds   int `json:"heartbeat_seconds"`
	HistoryLimit       int `json:"history_limit"`
}

// DeviceConfig 描述设备命令行工具。
type DeviceConfig struct {
	ADBPath        string `json:"adb_path"`
	HDCPath        string `json:"hdc_path"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// AppsConfig 指定应用目录文件。
type AppsConfig struct {
	CatalogPath string `json:"catalog_path"`
}

// NotifyConfig 描述运行结束通知的投递方式。
type NotifyConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	Alerts   []AlertConfig  `json:"alerts"`
}

// AlertConfig 描述一个失败告警渠道。
type AlertConfig struct {
	Channel string `json:"channel"`
	URL     string `json:"url"`
}

// RabbitMQConfig 是 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// Resolve 返回应当加载的配置文件路径以及该路径是否由调用方显式指定。
func Resolve(flagPath string) (string, bool) {
	if strings.TrimSpace(flagPath) != "" {
		return flagPath, true
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env, true
	}
	return DefaultPath, false
}

// Load 解析指定路径的 JSON 配置文件。required 为 false 时文件缺失视为使用内置默认值。
func Load(path string, required bool) (*Config, error) {
	if path == "" {
		return nil, stdErrors.New("配置文件路径为空")
	}

	var cfg Config
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	case stdErrors.Is(err, fs.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	baseDir := filepath.Dir(path)
	cfg.applyDefaults(baseDir)
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = "127.0.0.1:5000"
	}
	if c.Server.ShutdownSeconds <= 0 {
		c.Server.ShutdownSeconds = 10
	}
	c.Server.StaticDir = resolvePath(baseDir, c.Server.StaticDir)

	if c.Settings.Driver == "" {
		c.Settings.Driver = "file"
	}
	if c.Settings.Path == "" {
		c.Settings.Path = filepath.Join(baseDir, "config.json")
	} else {
		c.Settings.Path = resolvePath(baseDir, c.Settings.Path)
	}

	if c.Executor.Driver == "" {
		c.Executor.Driver = "python_bridge"
	}
	if c.Executor.Python.PythonExecutable == "" {
		c.Executor.Python.PythonExecutable = "python3"
	}
	if c.Executor.Python.ScriptPath == "" {
		c.Executor.Python.ScriptPath = filepath.Join(baseDir, "..", "scripts", "run_agent.py")
	} else {
		c.Executor.Python.ScriptPath = resolvePath(baseDir, c.Executor.Python.ScriptPath)
	}
	if c.Executor.Python.WorkingDir == "" {
		c.Executor.Python.WorkingDir = baseDir
	} else {
		c.Executor.Python.WorkingDir = resolvePath(baseDir, c.Executor.Python.WorkingDir)
	}
	if c.Executor.Chat.TimeoutSeconds <= 0 {
		c.Executor.Chat.TimeoutSeconds = 60
	}

	if c.Runner.HeartbeatSeconds <= 0 {
		c.Runner.HeartbeatSeconds = 15
	}
	if c.Runner.HistoryLimit <= 0 {
		c.Runner.HistoryLimit = 500
	}

	if c.Device.TimeoutSeconds <= 0 {
		c.Device.TimeoutSeconds = 15
	}
	c.Apps.CatalogPath = resolvePath(baseDir, c.Apps.CatalogPath)

	if c.Notify.Driver == "" {
		c.Notify.Driver = "none"
	}
	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)
	}
}

// applyEnv 应用 WEB_HOST / WEB_PORT 对监听地址的覆盖。
func (c *Config) applyEnv() {
	host, port, err := net.SplitHostPort(c.Server.Address)
	if err != nil {
		host, port = c.Server.Address, ""
	}
	if v := strings.TrimSpace(os.Getenv("WEB_HOST")); v != "" {
		host = v
	}
	if v := strings.TrimSpace(os.Getenv("WEB_PORT")); v != "" {
		port = v
	}
	if port != "" {
		c.Server.Address = net.JoinHostPort(host, port)
	}
}

// Validate 检查互相依赖的字段。
func (c *Config) Validate() error {
	if _, port, err := net.SplitHostPort(c.Server.Address); err != nil {
		return fmt.Errorf("监听地址无效 %q: %w", c.Server.Address, err)
	} else if _, err := strconv.Atoi(port); err != nil {
		return fmt.Errorf("监听端口无效 %q", port)
	}
	switch c.Settings.Driver {
	case "file", "memory":
	case "redis":
		if c.Settings.Redis.Address == "" {
			return stdErrors.New("settings.redis.address 不能为空")
		}
	case "mysql":
		if c.Settings.DSN == "" {
			return stdErrors.New("settings.dsn 不能为空")
		}
	default:
		return fmt.Errorf("不支持的配置存储驱动 %q", c.Settings.Driver)
	}
	switch c.Executor.Driver {
	case "python_bridge", "chat":
	default:
		return fmt.Errorf("不支持的执行器 %q", c.Executor.Driver)
	}
	switch c.Notify.Driver {
	case "none", "memory":
	case "redis":
		if c.Notify.Redis.Address == "" {
			return stdErrors.New("notify.redis.address 不能为空")
		}
	case "rabbitmq":
		if c.Notify.RabbitMQ.URL == "" {
			return stdErrors.New("notify.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("不支持的通知驱动 %q", c.Notify.Driver)
	}
	for idx, alert := range c.Notify.Alerts {
		switch alert.Channel {
		case "webhook", "dingtalk", "slack":
		default:
			return fmt.Errorf("notify.alerts[%d]: 不支持的告警渠道 %q", idx, alert.Channel)
		}
		if strings.TrimSpace(alert.URL) == "" {
			return fmt.Errorf("notify.alerts[%d].url 不能为空", idx)
		}
	}
	return nil
}

// HeartbeatInterval 返回 SSE 心跳间隔。
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Runner.HeartbeatSeconds) * time.Second
}

// MaxDuration 返回单次运行的最长时间，0 表示不限制。
func (c *Config) MaxDuration() time.Duration {
	if c.Runner.MaxDurationSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Runner.MaxDurationSeconds) * time.Second
}

// ShutdownTimeout 返回优雅退出的等待时间。
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownSeconds) * time.Second
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
