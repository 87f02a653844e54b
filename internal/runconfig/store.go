package runconfig

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	xerrors "PhoneAgent-Web/internal/errors"
)

// Store 负责持久化配置文档。
type Store interface {
	Load(ctx context.Context) (Document, error)
	Save(ctx context.Context, doc Document) error
	Close() error
}

// FileStore 把配置保存为 JSON 文件，文件不存在时以默认值创建。
type FileStore struct {
	mu       sync.Mutex
	path     string
	defaults func() Document
}

// FileOption 定义 FileStore 的可选配置。
type FileOption func(*FileStore)

// WithDefaults 替换首次创建文件时使用的默认值。
func WithDefaults(fn func() Document) FileOption {
	return func(s *FileStore) {
		if fn != nil {
			s.defaults = fn
		}
	}
}

// NewFileStore 创建文件存储。
func NewFileStore(path string, opts ...FileOption) (*FileStore, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径不能为空")
	}
	s := &FileStore{path: path, defaults: Defaults}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Path 返回配置文件路径。
func (s *FileStore) Path() string { return s.path }

// Load 读取配置文件。
func (s *FileStore) Load(_ context.Context) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if stdErrors.Is(err, fs.ErrNotExist) {
		doc := s.defaults()
		if err := s.write(doc); err != nil {
			return nil, err
		}
		return doc.Clone(), nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取配置文件失败")
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "配置文件不是合法的 JSON")
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// Save 覆盖写入配置文件。
func (s *FileStore) Save(_ context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(doc)
}

func (s *FileStore) write(doc Document) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建配置目录失败")
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码配置失败")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入配置文件失败")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换配置文件失败")
	}
	return nil
}

// Close 对文件存储无操作。
func (s *FileStore) Close() error { return nil }

// MemoryStore 在内存中保存配置，适用于测试。
type MemoryStore struct {
	mu  sync.Mutex
	doc Document
}

// NewMemoryStore 创建内存存储，doc 为空时使用默认值。
func NewMemoryStore(doc Document) *MemoryStore {
	if doc == nil {
		doc = Defaults()
	}
	return &MemoryStore{doc: doc.Clone()}
}

// Load 返回配置副本。
func (s *MemoryStore) Load(context.Context) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone(), nil
}

// Save 替换配置。
func (s *MemoryStore) Save(_ context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc.Clone()
	return nil
}

// Close 无操作。
func (s *MemoryStore) Close() error { return nil }
