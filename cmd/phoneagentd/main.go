package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PhoneAgent-Web/internal/api"
	"PhoneAgent-Web/internal/apps"
	"PhoneAgent-Web/internal/config"
	"PhoneAgent-Web/internal/device"
	"PhoneAgent-Web/internal/executor/chat"
	"PhoneAgent-Web/internal/executor/subprocess"
	"PhoneAgent-Web/internal/notify"
	"PhoneAgent-Web/internal/observability/alerting"
	"PhoneAgent-Web/internal/observability/metrics"
	"PhoneAgent-Web/internal/run"
	"PhoneAgent-Web/internal/runconfig"
	"PhoneAgent-Web/pkg/logger"
)

// main 是 PhoneAgent 守护进程的入口。
func main() {
	configFlag := flag.String("config", "", "启动配置文件路径，默认读取 $PHONE_AGENT_CONFIG 或 configs/phoneagent.json")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx, *configFlag); err != nil {
		log.Fatalf("phoneagentd 运行失败: %v", err)
	}
}

func runDaemon(ctx context.Context, configFlag string) error {
	path, explicit := config.Resolve(configFlag)
	cfg, err := config.Load(path, explicit)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("phoneagentd")

	store, err := createSettingsStore(ctx, cfg)
	if err != nil {
		return err
	}
	settings, err := runconfig.NewService(store)
	if err != nil {
		return err
	}
	defer func() {
		if err := settings.Close(); err != nil {
			lg.Warn("关闭配置存储失败", slog.Any("error", err))
		}
	}()

	executor, err := createExecutor(cfg)
	if err != nil {
		return err
	}

	notifier, err := createNotifier(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			lg.Warn("关闭通知器失败", slog.Any("error", err))
		}
	}()

	catalogue, err := apps.Load(cfg.Apps.CatalogPath)
	if err != nil {
		return err
	}
	devices := device.NewManager(device.ExecRunner{
		Timeout: time.Duration(cfg.Device.TimeoutSeconds) * time.Second,
	}, device.Config{
		ADBPath: cfg.Device.ADBPath,
		HDCPath: cfg.Device.HDCPath,
	}, catalogue)

	supervisor, err := run.NewSupervisor(executor,
		run.WithStore(run.NewMemoryStore(cfg.Runner.HistoryLimit)),
		run.WithNotifier(notifier),
		run.WithObserver(metrics.Default),
		run.WithMaxPending(cfg.Runner.MaxPendingChunks),
		run.WithMaxDuration(cfg.MaxDuration()),
	)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, supervisor, settings,
		api.WithDevices(devices),
		api.WithApps(catalogue),
		api.WithMetrics(metrics.Default),
		api.WithHeartbeat(cfg.HeartbeatInterval()),
		api.WithStaticDir(cfg.Server.StaticDir),
		api.WithShutdownTimeout(cfg.ShutdownTimeout()),
	)

	lg.Info("phoneagentd 启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("settings", cfg.Settings.Driver),
		slog.String("executor", cfg.Executor.Driver),
		slog.String("notify", cfg.Notify.Driver),
	)
	serveErr := server.Start(ctx)

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if active := supervisor.Active(); active > 0 {
		lg.Info("等待运行结束", slog.Int("active", active))
	}
	if err := supervisor.Wait(waitCtx); err != nil {
		lg.Warn("仍有运行未结束，直接退出", slog.Int("active", supervisor.Active()))
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

func createSettingsStore(ctx context.Context, cfg *config.Config) (runconfig.Store, error) {
	switch cfg.Settings.Driver {
	case "file":
		return runconfig.NewFileStore(cfg.Settings.Path)
	case "memory":
		return runconfig.NewMemoryStore(nil), nil
	case "redis":
		return runconfig.NewRedisStore(ctx, runconfig.RedisConfig{
			Address:  cfg.Settings.Redis.Address,
			Password: cfg.Settings.Redis.Password,
			DB:       cfg.Settings.Redis.DB,
			Key:      cfg.Settings.Redis.Key,
		})
	case "mysql":
		return runconfig.NewMySQLStore(ctx, cfg.Settings.DSN)
	default:
		return nil, fmt.Errorf("未知的配置存储驱动: %s", cfg.Settings.Driver)
	}
}

func createExecutor(cfg *config.Config) (run.Executor, error) {
	switch cfg.Executor.Driver {
	case "python_bridge":
		python := cfg.Executor.Python
		return subprocess.New(subprocess.Config{
			Python:     python.PythonExecutable,
			Script:     subprocess.ResolveScriptPath(python.WorkingDir, python.ScriptPath),
			WorkingDir: python.WorkingDir,
		})
	case "chat":
		return chat.New(chat.Config{
			Timeout:     time.Duration(cfg.Executor.Chat.TimeoutSeconds) * time.Second,
			Temperature: cfg.Executor.Chat.Temperature,
		}), nil
	default:
		return nil, fmt.Errorf("未知的执行器: %s", cfg.Executor.Driver)
	}
}

// createNotifier 创建运行结束通知器；配置了告警渠道时，失败的运行会额外推送告警。
func createNotifier(ctx context.Context, cfg *config.Config) (notify.Publisher, error) {
	base, err := createPublisher(ctx, cfg)
	if err != nil || len(cfg.Notify.Alerts) == 0 {
		return base, err
	}
	poster := alerting.HTTPPoster{}
	notifiers := make([]alerting.Notifier, 0, len(cfg.Notify.Alerts))
	for _, alert := range cfg.Notify.Alerts {
		channel, err := alerting.ParseChannel(alert.Channel)
		if err != nil {
			_ = base.Close()
			return nil, err
		}
		n, err := alerting.New(channel, alert.URL, poster)
		if err != nil {
			_ = base.Close()
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	return notify.Multi{base, alerting.NewPublisher(alerting.NewFanout(notifiers...))}, nil
}

func createPublisher(ctx context.Context, cfg *config.Config) (notify.Publisher, error) {
	switch cfg.Notify.Driver {
	case "none":
		return notify.Nop{}, nil
	case "memory":
		return notify.NewMemoryPublisher(cfg.Runner.HistoryLimit), nil
	case "redis":
		return notify.NewRedisPublisher(ctx, notify.RedisConfig{
			Address:  cfg.Notify.Redis.Address,
			Password: cfg.Notify.Redis.Password,
			DB:       cfg.Notify.Redis.DB,
			List:     cfg.Notify.Redis.Key,
		})
	case "rabbitmq":
		return notify.NewRabbitMQPublisher(notify.RabbitMQConfig{
			URL:     cfg.Notify.RabbitMQ.URL,
			Queue:   cfg.Notify.RabbitMQ.Queue,
			Durable: cfg.Notify.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的通知驱动: %s", cfg.Notify.Driver)
	}
}
