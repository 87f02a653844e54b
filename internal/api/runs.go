package api

import (
	"context"
	stdErrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "PhoneAgent-Web/internal/errors"
	"PhoneAgent-Web/internal/run"
	"PhoneAgent-Web/internal/sse"
)

type runRequest struct {
	Task string `json:"task"`
}

// handleRunStream 启动运行并以 SSE 推送输出，客户端断开只会停止推送。
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	task := strings.TrimSpace(r.URL.Query().Get("task"))
	if task == "" {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "task is required"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, xerrors.New(xerrors.CodeUnknown, "响应不支持流式输出"))
		return
	}
	params, err := s.settings.Resolve(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	handle, err := s.supervisor.Start(r.Context(), task, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.stream(r.Context(), w, flusher, handle)
}

// stream 逐条写出事件。连续 heartbeat 时长没有事件时写一条 ping 注释保持连接。
func (s *Server) stream(ctx context.Context, w io.Writer, flusher http.Flusher, handle *run.Run) {
	enc := sse.NewEncoder(handle.Channel())
	for {
		waitCtx, cancel := context.WithTimeout(ctx, s.heartbeat)
		event, err := enc.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			if _, err := event.WriteTo(w); err != nil {
				s.log.Debug("写出事件失败", slog.String("run_id", handle.ID), slog.Any("error", err))
				return
			}
			flusher.Flush()
		case stdErrors.Is(err, io.EOF):
			return
		case ctx.Err() != nil:
			s.log.Info("客户端已断开，运行继续在后台执行", slog.String("run_id", handle.ID))
			return
		case stdErrors.Is(err, context.DeadlineExceeded):
			if err := sse.Comment(w, "ping"); err != nil {
				return
			}
			flusher.Flush()
		default:
			s.log.Warn("读取运行输出失败", slog.String("run_id", handle.ID), slog.Any("error", err))
			return
		}
	}
}

// handleRun 是同步版本，等待运行结束后一次性返回结果与输出。
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task := strings.TrimSpace(req.Task)
	if task == "" {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "task is required"))
		return
	}
	params, err := s.settings.Resolve(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	outcome, lines, err := s.supervisor.Execute(r.Context(), task, params)
	if err != nil {
		if _, coded := xerrors.From(err); !coded {
			err = xerrors.Wrap(xerrors.CodeTimeout, err, "等待运行结果被中断")
		}
		s.writeError(w, r, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	if !outcome.OK {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"ok":      false,
			"message": outcome.Message,
			"output":  lines,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"result": outcome.Result,
		"output": lines,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := run.ListOptions{
		Statuses: run.ParseStatuses(query.Get("status")),
		Query:    query.Get("q"),
	}
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts.Limit = parsed
		}
	}
	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "since 必须是 RFC3339 时间"))
			return
		}
		opts.Since = since
	}

	store := s.supervisor.Store()
	records, err := store.List(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := store.Stats(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []run.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":   records,
		"stats":  stats,
		"active": s.supervisor.Active(),
	})
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "缺少运行 ID"))
		return
	}
	record, err := s.supervisor.Store().Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": s.supervisor.Active(),
	})
}
