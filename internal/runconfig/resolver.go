package runconfig

import (
	"context"
	"strings"
	"sync"

	xerrors "PhoneAgent-Web/internal/errors"
)

// Service 封装配置的读取、快照与合并更新。
type Service struct {
	mu    sync.Mutex
	store Store
}

// NewService 创建配置服务。
func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "配置存储未初始化")
	}
	return &Service{store: store}, nil
}

// Get 返回当前持久化的配置文档。
func (s *Service) Get(ctx context.Context) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Load(ctx)
}

// Resolve 读取配置并生成参数快照，不修改任何持久化状态。
func (s *Service) Resolve(ctx context.Context) (Params, error) {
	doc, err := s.Get(ctx)
	if err != nil {
		return Params{}, err
	}
	return ParseParams(doc)
}

// Update 把 patch 合并进持久化配置并返回合并后的文档。
// 合并结果必须仍然可以生成合法的参数快照。
func (s *Service) Update(ctx context.Context, patch Document) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	merged := current.Merge(normalise(patch))
	if _, err := ParseParams(merged); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, merged); err != nil {
		return nil, err
	}
	return merged.Clone(), nil
}

// Close 释放底层存储。
func (s *Service) Close() error {
	return s.store.Close()
}

// normalise 把空字符串的 device_id 视为清除设备。
func normalise(patch Document) Document {
	out := patch.Clone()
	if raw, ok := out[KeyDeviceID].(string); ok && strings.TrimSpace(raw) == "" {
		out[KeyDeviceID] = nil
	}
	return out
}
