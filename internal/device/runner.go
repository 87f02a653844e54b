package device

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner 执行设备命令行工具并返回标准输出。
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner 通过 os/exec 调用本机命令，带超时与输出上限。
type ExecRunner struct {
	Timeout   time.Duration
	MaxOutput int
}

// Run 实现 Runner 接口。
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxOutput := r.MaxOutput
	if maxOutput <= 0 {
		maxOutput = 32 << 20
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitWriter{buf: &stdout, limit: maxOutput}
	cmd.Stderr = &limitWriter{buf: &stderr, limit: 4096}

	if err := cmd.Run(); err != nil {
		if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return stdout.Bytes(), fmt.Errorf("%s 执行超时 (%s)", name, timeout)
		}
		var exitErr *exec.ExitError
		if stdErrors.As(err, &exitErr) {
			detail := strings.TrimSpace(stderr.String())
			if detail == "" {
				detail = strings.TrimSpace(stdout.String())
			}
			return stdout.Bytes(), fmt.Errorf("%s %s 退出码 %d: %s", name, strings.Join(args, " "), exitErr.ExitCode(), detail)
		}
		return nil, fmt.Errorf("执行 %s 失败: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// limitWriter writes up to limit bytes to buf, then silently discards the rest.
type limitWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}
