package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"PhoneAgent-Web/internal/apps"
	"PhoneAgent-Web/internal/device"
	"PhoneAgent-Web/internal/observability/metrics"
	"PhoneAgent-Web/internal/run"
	"PhoneAgent-Web/internal/runconfig"
	"PhoneAgent-Web/pkg/logger"
)

const (
	defaultHeartbeat       = 15 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Server 负责暴露 REST 与 SSE 接口，供浏览器驱动手机智能体。
type Server struct {
	addr            string
	supervisor      *run.Supervisor
	settings        *runconfig.Service
	devices         *device.Manager
	catalogue       *apps.Catalogue
	metrics         *metrics.Registry
	heartbeat       time.Duration
	staticDir       string
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// Option 定义服务的可选配置。
type Option func(*Server)

// WithDevices 启用设备相关接口。
func WithDevices(m *device.Manager) Option {
	return func(s *Server) {
		s.devices = m
	}
}

// WithApps 指定应用目录。
func WithApps(c *apps.Catalogue) Option {
	return func(s *Server) {
		if c != nil {
			s.catalogue = c
		}
	}
}

// WithMetrics 指定指标集合。
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Server) {
		if reg != nil {
			s.metrics = reg
		}
	}
}

// WithHeartbeat 设置 SSE 空闲时发送心跳注释的间隔。
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithStaticDir 在根路径下提供前端静态文件。
func WithStaticDir(dir string) Option {
	return func(s *Server) {
		s.staticDir = dir
	}
}

// WithShutdownTimeout 设置优雅退出的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, supervisor *run.Supervisor, settings *runconfig.Service, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		supervisor:      supervisor,
		settings:        settings,
		catalogue:       apps.Default(),
		metrics:         metrics.Default,
		heartbeat:       defaultHeartbeat,
		shutdownTimeout: defaultShutdownTimeout,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /api/run_stream", s.handleRunStream)
	s.route(mux, "POST /api/run", s.handleRun)
	s.route(mux, "GET /api/runs", s.handleListRuns)
	s.route(mux, "GET /api/runs/{id}", s.handleRunDetail)
	s.route(mux, "GET /api/config", s.handleGetConfig)
	s.route(mux, "POST /api/config", s.handleUpdateConfig)
	s.route(mux, "GET /api/devices", s.handleDevices)
	s.route(mux, "POST /api/connect", s.handleConnect)
	s.route(mux, "POST /api/disconnect", s.handleDisconnect)
	s.route(mux, "GET /api/screenshot", s.handleScreenshot)
	s.route(mux, "GET /api/apps", s.handleApps)
	s.route(mux, "GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	if s.staticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.staticDir)))
	}
	return withCORS(mux)
}

func (s *Server) route(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(pattern, fn))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTP 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
