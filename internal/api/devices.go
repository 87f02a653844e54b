package api

import (
	"log/slog"
	"net/http"
	"strings"

	xerrors "PhoneAgent-Web/internal/errors"
	"PhoneAgent-Web/internal/device"
	"PhoneAgent-Web/internal/runconfig"
)

type addressRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	doc, err := s.settings.Get(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleUpdateConfig 合并提交的键，其余键保持不变。
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	patch := runconfig.Document{}
	if err := decodeBody(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := s.settings.Update(r.Context(), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "config": doc})
}

// deviceTarget 返回设备管理器以及当前配置中的设备参数。
func (s *Server) deviceTarget(r *http.Request) (*device.Manager, runconfig.Params, error) {
	if s.devices == nil {
		return nil, runconfig.Params{}, xerrors.New(xerrors.CodeInitializationFailure, "设备管理未启用")
	}
	params, err := s.settings.Resolve(r.Context())
	if err != nil {
		return nil, runconfig.Params{}, err
	}
	return s.devices, params, nil
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, params, err := s.deviceTarget(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := devices.List(r.Context(), params.DeviceType)
	if err != nil {
		s.log.Warn("获取设备列表失败", slog.Any("error", err))
		writeJSON(w, xerrors.HTTPStatus(err), map[string]any{
			"devices": []device.Device{},
			"error":   xerrors.MessageOf(err),
		})
		return
	}
	if list == nil {
		list = []device.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": list})
}

// handleConnect 连接远程设备，成功后把地址写入配置作为默认设备。
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	address := strings.TrimSpace(req.Address)
	if address == "" {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "address is required"))
		return
	}
	devices, params, err := s.deviceTarget(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok, message, err := devices.Connect(r.Context(), params.DeviceType, address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ok {
		if _, err := s.settings.Update(r.Context(), runconfig.Document{runconfig.KeyDeviceID: address}); err != nil {
			s.log.Warn("保存设备 ID 失败", slog.String("address", address), slog.Any("error", err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "message": message})
}

// handleDisconnect 断开指定设备，未提供地址时断开全部。
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	devices, params, err := s.deviceTarget(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok, message, err := devices.Disconnect(r.Context(), params.DeviceType, strings.TrimSpace(req.Address))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "message": message})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	devices, params, err := s.deviceTarget(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	shot, err := devices.Screenshot(r.Context(), params.DeviceType, params.DeviceID)
	if err != nil {
		writeJSON(w, xerrors.HTTPStatus(err), map[string]any{"error": xerrors.MessageOf(err)})
		return
	}
	current, err := devices.CurrentApp(r.Context(), params.DeviceType, params.DeviceID)
	if err != nil {
		writeJSON(w, xerrors.HTTPStatus(err), map[string]any{"error": xerrors.MessageOf(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"width":        shot.Width,
		"height":       shot.Height,
		"image":        shot.DataURI(),
		"is_sensitive": shot.IsSensitive,
		"current_app":  current,
	})
}

func (s *Server) handleApps(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"apps": s.catalogue.Names()})
}
