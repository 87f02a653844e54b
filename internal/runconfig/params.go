// Package runconfig 负责读取持久化的运行配置，并为每次运行生成不可变的参数快照。
package runconfig

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	xerrors "PhoneAgent-Web/internal/errors"
)

// 持久化配置中的键名。
const (
	KeyBaseURL    = "base_url"
	KeyModel      = "model"
	KeyAPIKey     = "api_key"
	KeyDeviceType = "device_type"
	KeyDeviceID   = "device_id"
	KeyMaxSteps   = "max_steps"
	KeyLang       = "lang"
)

// DeviceType 标识设备连接方式。
type DeviceType string

const (
	DeviceADB DeviceType = "adb"
	DeviceHDC DeviceType = "hdc"
)

// Document 是持久化配置的原始键值形式。
type Document map[string]any

// Clone 返回浅拷贝，值均为 JSON 标量。
func (d Document) Clone() Document {
	if d == nil {
		return Document{}
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge 用 patch 中的键覆盖 d，返回新文档。
func (d Document) Merge(patch Document) Document {
	out := d.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Params 是一次运行使用的参数快照，创建后不再改变。
type Params struct {
	BaseURL    string     `json:"base_url"`
	Model      string     `json:"model"`
	APIKey     string     `json:"-"`
	DeviceType DeviceType `json:"device_type"`
	DeviceID   string     `json:"device_id,omitempty"`
	MaxSteps   int        `json:"max_steps"`
	Lang       string     `json:"lang"`
}

// Defaults 返回首次创建配置时使用的默认值，可由 PHONE_AGENT_* 环境变量覆盖。
func Defaults() Document {
	maxSteps := 100
	if raw := strings.TrimSpace(os.Getenv("PHONE_AGENT_MAX_STEPS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxSteps = parsed
		}
	}
	doc := Document{
		KeyBaseURL:    envOr("PHONE_AGENT_BASE_URL", "http://localhost:8000/v1"),
		KeyModel:      envOr("PHONE_AGENT_MODEL", "autoglm-phone-9b"),
		KeyAPIKey:     envOr("PHONE_AGENT_API_KEY", "EMPTY"),
		KeyDeviceType: envOr("PHONE_AGENT_DEVICE_TYPE", string(DeviceADB)),
		KeyDeviceID:   nil,
		KeyMaxSteps:   maxSteps,
		KeyLang:       envOr("PHONE_AGENT_LANG", "cn"),
	}
	if id := strings.TrimSpace(os.Getenv("PHONE_AGENT_DEVICE_ID")); id != "" {
		doc[KeyDeviceID] = id
	}
	return doc
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// ParseParams 严格校验文档并生成参数快照。
func ParseParams(doc Document) (Params, error) {
	var params Params
	var err error

	if params.BaseURL, err = stringField(doc, KeyBaseURL, ""); err != nil {
		return Params{}, err
	}
	if params.Model, err = stringField(doc, KeyModel, ""); err != nil {
		return Params{}, err
	}
	if params.APIKey, err = stringField(doc, KeyAPIKey, "EMPTY"); err != nil {
		return Params{}, err
	}
	if params.DeviceID, err = stringField(doc, KeyDeviceID, ""); err != nil {
		return Params{}, err
	}
	if params.Lang, err = stringField(doc, KeyLang, "cn"); err != nil {
		return Params{}, err
	}

	deviceType, err := stringField(doc, KeyDeviceType, string(DeviceADB))
	if err != nil {
		return Params{}, err
	}
	params.DeviceType, err = ParseDeviceType(deviceType)
	if err != nil {
		return Params{}, err
	}

	params.MaxSteps, err = intField(doc, KeyMaxSteps, 100)
	if err != nil {
		return Params{}, err
	}
	if params.MaxSteps <= 0 {
		return Params{}, invalid(KeyMaxSteps, "必须为正整数")
	}

	return params, nil
}

// ParseDeviceType 解析设备类型，空值视为 adb。
func ParseDeviceType(raw string) (DeviceType, error) {
	switch DeviceType(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DeviceADB:
		return DeviceADB, nil
	case DeviceHDC:
		return DeviceHDC, nil
	default:
		return "", invalid(KeyDeviceType, fmt.Sprintf("不支持的设备类型 %q", raw))
	}
}

func stringField(doc Document, key, fallback string) (string, error) {
	raw, ok := doc[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return fallback, nil
		}
		return strings.TrimSpace(v), nil
	default:
		return "", invalid(key, fmt.Sprintf("应为字符串，实际为 %T", raw))
	}
}

func intField(doc Document, key string, fallback int) (int, error) {
	raw, ok := doc[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, invalid(key, "应为整数")
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, invalid(key, "应为整数")
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, invalid(key, fmt.Sprintf("无法解析整数 %q", v))
		}
		return n, nil
	default:
		return 0, invalid(key, fmt.Sprintf("应为整数，实际为 %T", raw))
	}
}

func invalid(key, reason string) error {
	return xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("配置项 %s 无效: %s", key, reason),
		xerrors.WithMetadata("key", key))
}
