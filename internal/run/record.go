package run

import (
	"time"

	xerrors "PhoneAgent-Web/internal/errors"
)

// Status 表示运行在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// IsValidStatus 判断状态是否合法。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// Finished 判断状态是否为终态。
func (s Status) Finished() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Record 是运行历史中的一条记录。
type Record struct {
	ID         string    `json:"id"`
	Task       string    `json:"task"`
	Status     Status    `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	Model      string    `json:"model,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	Chunks     int       `json:"chunks"`
	Dropped    int       `json:"dropped"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

const CodeRunNotFound xerrors.Code = "RUN_NOT_FOUND"

// ErrRunNotFound 表示指定的运行不存在或已被淘汰出历史。
var ErrRunNotFound = xerrors.New(CodeRunNotFound, "run not found")

func init() {
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{
		Message:    "run not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
}
