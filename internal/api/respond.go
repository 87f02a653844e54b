package api

import (
	"encoding/json"
	stdErrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "PhoneAgent-Web/internal/errors"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError 输出统一的错误响应，状态码由错误码决定。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, map[string]any{
		"ok":      false,
		"message": xerrors.MessageOf(err),
		"code":    xerrors.CodeOf(err),
	})
}

// decodeBody 解析 JSON 请求体；空请求体视为空对象。
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		if stdErrors.Is(err, io.EOF) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// statusRecorder 记录响应状态码，同时保留 Flush 能力供 SSE 使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	if rec.status == 0 {
		rec.status = status
	}
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(p []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	return rec.ResponseWriter.Write(p)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

func (s *Server) instrument(pattern string, next http.Handler) http.Handler {
	handler := pattern
	if idx := strings.IndexByte(pattern, ' '); idx >= 0 {
		handler = pattern[idx+1:]
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTPRequest(handler, r.Method, status, time.Since(start))
	})
}

// withCORS 为 /api/ 路由开放跨域访问并应答预检请求。
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", "*")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
