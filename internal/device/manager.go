// Package device 通过 adb / hdc 管理连接到本机的手机设备。
package device

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	xerrors "PhoneAgent-Web/internal/errors"
	"PhoneAgent-Web/internal/runconfig"
)

// Device 是一台可见的设备。
type Device struct {
	DeviceID       string `json:"device_id"`
	Status         string `json:"status"`
	ConnectionType string `json:"connection_type,omitempty"`
	Model          string `json:"model,omitempty"`
}

// Screenshot 是一张 PNG 截图。
type Screenshot struct {
	Width       int
	Height      int
	PNG         []byte
	IsSensitive bool
}

// DataURI 返回可直接在浏览器中展示的 data URI。
func (s Screenshot) DataURI() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(s.PNG)
}

// AppNamer 根据包名返回应用名称。
type AppNamer interface {
	NameOf(pkg string) (string, bool)
}

// Config 描述命令行工具位置。
type Config struct {
	ADBPath string
	HDCPath string
	TempDir string
}

// Manager 封装设备操作。
type Manager struct {
	runner Runner
	adb    string
	hdc    string
	tmp    string
	names  AppNamer
}

// NewManager 创建设备管理器。names 可为空。
func NewManager(runner Runner, cfg Config, names AppNamer) *Manager {
	if runner == nil {
		runner = ExecRunner{}
	}
	adb := cfg.ADBPath
	if adb == "" {
		adb = "adb"
	}
	hdc := cfg.HDCPath
	if hdc == "" {
		hdc = "hdc"
	}
	tmp := cfg.TempDir
	if tmp == "" {
		tmp = os.TempDir()
	}
	return &Manager{runner: runner, adb: adb, hdc: hdc, tmp: tmp, names: names}
}

func (m *Manager) tool(kind runconfig.DeviceType) string {
	if kind == runconfig.DeviceHDC {
		return m.hdc
	}
	return m.adb
}

// targetArgs 返回指定设备的参数前缀。
func targetArgs(kind runconfig.DeviceType, deviceID string) []string {
	if deviceID == "" {
		return nil
	}
	if kind == runconfig.DeviceHDC {
		return []string{"-t", deviceID}
	}
	return []string{"-s", deviceID}
}

func (m *Manager) run(ctx context.Context, kind runconfig.DeviceType, deviceID string, args ...string) ([]byte, error) {
	full := append(targetArgs(kind, deviceID), args...)
	out, err := m.runner.Run(ctx, m.tool(kind), full...)
	if err != nil {
		return out, xerrors.Wrap(xerrors.CodeDeviceFailure, err, "设备命令执行失败",
			xerrors.WithMetadata("tool", m.tool(kind)))
	}
	return out, nil
}

// List 返回当前可见的设备。
func (m *Manager) List(ctx context.Context, kind runconfig.DeviceType) ([]Device, error) {
	if kind == runconfig.DeviceHDC {
		out, err := m.run(ctx, kind, "", "list", "targets")
		if err != nil {
			return nil, err
		}
		return parseHDCTargets(out), nil
	}
	out, err := m.run(ctx, kind, "", "devices", "-l")
	if err != nil {
		return nil, err
	}
	return parseADBDevices(out), nil
}

func parseADBDevices(out []byte) []Device {
	devices := make([]Device, 0)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		dev := Device{DeviceID: fields[0], Status: fields[1], ConnectionType: connectionType(fields[0])}
		for _, field := range fields[2:] {
			if value, ok := strings.CutPrefix(field, "model:"); ok {
				dev.Model = value
			}
		}
		devices = append(devices, dev)
	}
	return devices
}

func parseHDCTargets(out []byte) []Device {
	devices := make([]Device, 0)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.EqualFold(line, "[Empty]") {
			continue
		}
		fields := strings.Fields(line)
		dev := Device{DeviceID: fields[0], Status: "device", ConnectionType: connectionType(fields[0])}
		if len(fields) >= 3 {
			dev.Status = strings.ToLower(fields[2])
		}
		devices = append(devices, dev)
	}
	return devices
}

func connectionType(id string) string {
	if strings.Contains(id, ":") {
		return "remote"
	}
	return "usb"
}

// Connect 通过网络连接设备，返回是否成功与工具输出。
func (m *Manager) Connect(ctx context.Context, kind runconfig.DeviceType, address string) (bool, string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return false, "", xerrors.New(xerrors.CodeInvalidArgument, "address is required")
	}
	var (
		out []byte
		err error
	)
	if kind == runconfig.DeviceHDC {
		out, err = m.run(ctx, kind, "", "tconn", address)
	} else {
		out, err = m.run(ctx, kind, "", "connect", address)
	}
	if err != nil {
		return false, "", err
	}
	message := strings.TrimSpace(string(out))
	lower := strings.ToLower(message)
	ok := strings.Contains(lower, "connected to") || strings.Contains(lower, "connect ok")
	if strings.Contains(lower, "failed") || strings.Contains(lower, "cannot") || strings.Contains(lower, "unable") {
		ok = false
	}
	return ok, message, nil
}

// Disconnect 断开指定地址，address 为空时断开全部网络设备。
func (m *Manager) Disconnect(ctx context.Context, kind runconfig.DeviceType, address string) (bool, string, error) {
	address = strings.TrimSpace(address)
	var args []string
	if kind == runconfig.DeviceHDC {
		if address == "" {
			args = []string{"kill"}
		} else {
			args = []string{"tconn", address, "-remove"}
		}
	} else {
		args = []string{"disconnect"}
		if address != "" {
			args = append(args, address)
		}
	}
	out, err := m.run(ctx, kind, "", args...)
	if err != nil {
		return false, "", err
	}
	message := strings.TrimSpace(string(out))
	if message == "" {
		message = "disconnected"
	}
	return !strings.Contains(strings.ToLower(message), "error"), message, nil
}

// Screenshot 截取当前屏幕。设备拒绝截图（例如安全页面）时返回黑屏并标记为敏感。
func (m *Manager) Screenshot(ctx context.Context, kind runconfig.DeviceType, deviceID string) (Screenshot, error) {
	var (
		raw []byte
		err error
	)
	if kind == runconfig.DeviceHDC {
		raw, err = m.hdcScreenshot(ctx, deviceID)
	} else {
		raw, err = m.run(ctx, kind, deviceID, "exec-out", "screencap", "-p")
	}
	if err != nil {
		return Screenshot{}, err
	}
	shot, decodeErr := normalise(raw)
	if decodeErr != nil {
		return sensitiveFallback()
	}
	return shot, nil
}

func (m *Manager) hdcScreenshot(ctx context.Context, deviceID string) ([]byte, error) {
	const remote = "/data/local/tmp/phoneagent_screen.jpeg"
	if _, err := m.run(ctx, runconfig.DeviceHDC, deviceID, "shell", "snapshot_display", "-f", remote); err != nil {
		return nil, err
	}
	local, err := os.CreateTemp(m.tmp, "phoneagent-screen-*.jpeg")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDeviceFailure, err, "创建截图临时文件失败")
	}
	localPath := local.Name()
	_ = local.Close()
	defer os.Remove(localPath)

	if _, err := m.run(ctx, runconfig.DeviceHDC, deviceID, "file", "recv", remote, filepath.Clean(localPath)); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDeviceFailure, err, "读取截图失败")
	}
	return data, nil
}

// normalise 把截图统一为 PNG。
func normalise(raw []byte) (Screenshot, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return Screenshot{}, err
	}
	if format == "png" {
		return Screenshot{Width: cfg.Width, Height: cfg.Height, PNG: raw}, nil
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Screenshot{}, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Screenshot{}, err
	}
	return Screenshot{Width: cfg.Width, Height: cfg.Height, PNG: buf.Bytes()}, nil
}

const fallbackWidth, fallbackHeight = 1080, 2400

func sensitiveFallback() (Screenshot, error) {
	img := image.NewGray(image.Rect(0, 0, fallbackWidth, fallbackHeight))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Screenshot{}, xerrors.Wrap(xerrors.CodeDeviceFailure, err, "生成占位截图失败")
	}
	return Screenshot{Width: fallbackWidth, Height: fallbackHeight, PNG: buf.Bytes(), IsSensitive: true}, nil
}

var focusPattern = regexp.MustCompile(`(?:mCurrentFocus|mFocusedApp)=.*?\s([A-Za-z0-9_.]+)/`)

// CurrentApp 返回前台应用名称，无法识别时返回 System Home。
func (m *Manager) CurrentApp(ctx context.Context, kind runconfig.DeviceType, deviceID string) (string, error) {
	var pkg string
	if kind == runconfig.DeviceHDC {
		out, err := m.run(ctx, kind, deviceID, "shell", "aa", "dump", "-l")
		if err != nil {
			return "", err
		}
		pkg = foregroundBundle(out)
	} else {
		out, err := m.run(ctx, kind, deviceID, "shell", "dumpsys", "window")
		if err != nil {
			return "", err
		}
		if match := focusPattern.FindSubmatch(out); match != nil {
			pkg = string(match[1])
		}
	}
	if pkg == "" {
		return "System Home", nil
	}
	if m.names != nil {
		if name, ok := m.names.NameOf(pkg); ok {
			return name, nil
		}
	}
	return pkg, nil
}

var bundlePattern = regexp.MustCompile(`bundle name \[([^\]]+)\]`)

func foregroundBundle(out []byte) string {
	var last string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if match := bundlePattern.FindStringSubmatch(line); match != nil {
			last = match[1]
		}
		if strings.Contains(line, "FOREGROUND") && last != "" {
			return last
		}
	}
	return ""
}
