package run

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "PhoneAgent-Web/internal/errors"
)

// Store 保存运行历史。
type Store interface {
	Create(ctx context.Context, record Record) error
	Update(ctx context.Context, id string, mutate func(*Record)) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, opts ListOptions) ([]Record, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
}

// ListOptions controls how records are selected when listing runs.
type ListOptions struct {
	Limit    int
	Statuses []Status
	Query    string
	Since    time.Time
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	opts.Statuses = normalizeStatuses(opts.Statuses)
	opts.Query = strings.ToLower(strings.TrimSpace(opts.Query))
}

func (opts ListOptions) matches(record Record) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if record.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if !opts.Since.IsZero() && record.UpdatedAt.Before(opts.Since) {
		return false
	}
	if opts.Query != "" && !strings.Contains(strings.ToLower(record.Task), opts.Query) {
		return false
	}
	return true
}

// ParseStatuses 解析逗号分隔的状态列表，忽略非法值。
func ParseStatuses(raw string) []Status {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	statuses := make([]Status, 0, len(parts))
	for _, part := range parts {
		statuses = append(statuses, Status(strings.ToLower(strings.TrimSpace(part))))
	}
	return normalizeStatuses(statuses)
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// Stats 汇总运行历史。
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[Status]int `json:"by_status"`
	Dropped    int            `json:"dropped"`
	OldestSeen time.Time      `json:"oldest_seen,omitempty"`
	NewestSeen time.Time      `json:"newest_seen,omitempty"`
}

// MemoryStore 以内存方式保存有限条运行记录，进程重启后丢失。
type MemoryStore struct {
	mu      sync.RWMutex
	limit   int
	records map[string]*Record
	order   []string
}

// NewMemoryStore 创建 MemoryStore，limit <= 0 时保留 500 条。
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = 500
	}
	return &MemoryStore{limit: limit, records: make(map[string]*Record)}
}

// Create 实现 Store 接口。超过上限时淘汰最早的已结束记录。
func (m *MemoryStore) Create(_ context.Context, record Record) error {
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 重复", xerrors.WithMetadata("run_id", record.ID))
	}
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	m.records[record.ID] = &record
	m.order = append(m.order, record.ID)
	m.evict()
	return nil
}

// evict 在持有锁时调用。正在运行的记录不会被淘汰。
func (m *MemoryStore) evict() {
	for len(m.order) > m.limit {
		victim := -1
		for i, id := range m.order {
			if m.records[id].Status.Finished() {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}
		delete(m.records, m.order[victim])
		m.order = append(m.order[:victim], m.order[victim+1:]...)
	}
}

// Update 在锁内修改记录。
func (m *MemoryStore) Update(_ context.Context, id string, mutate func(*Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrRunNotFound
	}
	mutate(record)
	record.ID = id
	record.UpdatedAt = time.Now()
	m.evict()
	return nil
}

// Get 返回记录副本。
func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return Record{}, ErrRunNotFound
	}
	return *record, nil
}

// List 返回最新的记录，按创建时间倒序。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]Record, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Record, 0, len(m.records))
	for i := len(m.order) - 1; i >= 0 && len(results) < opts.Limit; i-- {
		record := m.records[m.order[i]]
		if opts.matches(*record) {
			results = append(results, *record)
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	return results, nil
}

// Stats 统计符合过滤条件的记录。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{ByStatus: make(map[Status]int)}
	for _, id := range m.order {
		record := m.records[id]
		if !opts.matches(*record) {
			continue
		}
		stats.Total++
		stats.ByStatus[record.Status]++
		stats.Dropped += record.Dropped
		if stats.OldestSeen.IsZero() || record.UpdatedAt.Before(stats.OldestSeen) {
			stats.OldestSeen = record.UpdatedAt
		}
		if record.UpdatedAt.After(stats.NewestSeen) {
			stats.NewestSeen = record.UpdatedAt
		}
	}
	return stats, nil
}
