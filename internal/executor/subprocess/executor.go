// Package subprocess 通过外部 Python 脚本驱动手机智能体执行任务。
//
// 脚本的标准输出与错误输出直接接入运行的输出捕获；任务返回值由脚本写入
// 环境变量 PHONE_AGENT_RESULT_FILE 指定的文件。
package subprocess

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"PhoneAgent-Web/internal/capture"
	xerrors "PhoneAgent-Web/internal/errors"
	"PhoneAgent-Web/internal/runconfig"
)

// ResultFileEnv 是传递结果文件路径的环境变量。
const ResultFileEnv = "PHONE_AGENT_RESULT_FILE"

const (
	defaultWaitDelay = 5 * time.Second
	stderrTailBytes  = 2048
)

// Config 描述脚本执行方式。
type Config struct {
	Python     string
	Script     string
	WorkingDir string
	Env        []string
	WaitDelay  time.Duration
}

// Executor 在独立进程中运行智能体脚本。
type Executor struct {
	python     string
	script     string
	workingDir string
	env        []string
	waitDelay  time.Duration
}

// New 创建执行器。
func New(cfg Config) (*Executor, error) {
	if strings.TrimSpace(cfg.Script) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定智能体脚本路径")
	}
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	wait := cfg.WaitDelay
	if wait <= 0 {
		wait = defaultWaitDelay
	}
	return &Executor{
		python:     python,
		script:     cfg.Script,
		workingDir: cfg.WorkingDir,
		env:        append([]string(nil), cfg.Env...),
		waitDelay:  wait,
	}, nil
}

// Args 返回传给脚本的参数。任务放在 "--" 之后，以 "-" 开头的任务不会被当成选项。
func Args(task string, params runconfig.Params) []string {
	args := []string{
		"--base-url", params.BaseURL,
		"--model", params.Model,
		"--apikey", params.APIKey,
		"--device-type", string(params.DeviceType),
	}
	if params.DeviceID != "" {
		args = append(args, "--device-id", params.DeviceID)
	}
	args = append(args,
		"--max-steps", strconv.Itoa(params.MaxSteps),
		"--lang", params.Lang,
		"--", task,
	)
	return args
}

// Execute 运行脚本直到退出，返回脚本写入结果文件的内容。
func (e *Executor) Execute(ctx context.Context, task string, params runconfig.Params) (string, error) {
	resultFile, err := os.CreateTemp("", "phoneagent-result-*.txt")
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeExecutorFailure, err, "创建结果文件失败")
	}
	resultPath := resultFile.Name()
	_ = resultFile.Close()
	defer os.Remove(resultPath)

	argv := append([]string{e.script}, Args(task, params)...)
	cmd := exec.CommandContext(ctx, e.python, argv...)
	if e.workingDir != "" {
		cmd.Dir = e.workingDir
	}
	cmd.Env = append(append(os.Environ(), e.env...),
		ResultFileEnv+"="+resultPath,
		"PYTHONUNBUFFERED=1",
	)
	tail := &tailWriter{limit: stderrTailBytes}
	cmd.Stdout = capture.Stdout(ctx)
	cmd.Stderr = io.MultiWriter(capture.Stderr(ctx), tail)
	cmd.WaitDelay = e.waitDelay

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if stdErrors.As(err, &exitErr) {
			msg := fmt.Sprintf("智能体进程异常退出 (exit code %d)", exitErr.ExitCode())
			if last := tail.lastLine(); last != "" {
				msg += ": " + last
			}
			return "", xerrors.Wrap(xerrors.CodeExecutorFailure, err, msg)
		}
		return "", xerrors.Wrap(xerrors.CodeExecutorFailure, err, "启动智能体进程失败")
	}

	data, err := os.ReadFile(resultPath)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeExecutorFailure, err, "读取任务结果失败")
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

// tailWriter 只保留最近写入的 limit 个字节。
type tailWriter struct {
	buf   bytes.Buffer
	limit int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if over := w.buf.Len() - w.limit; over > 0 {
		w.buf.Next(over)
	}
	return len(p), nil
}

func (w *tailWriter) lastLine() string {
	lines := strings.Split(strings.TrimSpace(w.buf.String()), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
