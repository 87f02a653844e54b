package stream

import (
	"context"
	"sync"
)

const compactThreshold = 256

type phase uint8

const (
	phaseOpen phase = iota
	phaseOutcome
	phaseClosed
)

// Channel 是单个运行的输出队列。写入方永不阻塞；读取方按写入顺序取出条目。
//
// 通道保证序列形如 Chunk* (Result|Error)? End：结果之后的输出块和第二个结果
// 会被丢弃，End 之后的任何写入都会被忽略。
type Channel struct {
	mu         sync.Mutex
	items      []Item
	head       int
	phase      phase
	drained    bool
	maxPending int
	pending    int
	dropped    int
	chunks     int
	signal     chan struct{}
}

// Option 定义通道的可选配置。
type Option func(*Channel)

// WithMaxPending 限制尚未读取的输出块数量。超出时丢弃最早的输出块，
// 终止标记永远不会被丢弃。n <= 0 表示不限制。
func WithMaxPending(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.maxPending = n
		}
	}
}

// NewChannel 创建一个空通道。
func NewChannel(opts ...Option) *Channel {
	c := &Channel{signal: make(chan struct{}, 1)}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Push 追加一个条目，返回条目是否被接受。
func (c *Channel) Push(item Item) bool {
	c.mu.Lock()
	switch item.Kind {
	case KindChunk:
		if c.phase != phaseOpen {
			c.mu.Unlock()
			return false
		}
		if c.maxPending > 0 && c.pending >= c.maxPending {
			c.dropOldestChunk()
		}
		c.pending++
		c.chunks++
	case KindResult, KindError:
		if c.phase != phaseOpen {
			c.mu.Unlock()
			return false
		}
		c.phase = phaseOutcome
	case KindEnd:
		if c.phase == phaseClosed {
			c.mu.Unlock()
			return false
		}
		c.phase = phaseClosed
	default:
		c.mu.Unlock()
		return false
	}
	c.items = append(c.items, item)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
	return true
}

// dropOldestChunk 移除队列中最早的输出块，调用方持有锁。
func (c *Channel) dropOldestChunk() {
	for i := c.head; i < len(c.items); i++ {
		if c.items[i].Kind != KindChunk {
			continue
		}
		copy(c.items[i:], c.items[i+1:])
		c.items[len(c.items)-1] = Item{}
		c.items = c.items[:len(c.items)-1]
		c.pending--
		c.dropped++
		return
	}
}

// Pop 取出下一个条目，在没有条目时阻塞直到有新条目或 ctx 结束。
// End 被取出后，后续调用立即再次返回 End。
func (c *Channel) Pop(ctx context.Context) (Item, error) {
	for {
		c.mu.Lock()
		if c.drained {
			c.mu.Unlock()
			return End(), nil
		}
		if c.head < len(c.items) {
			item := c.items[c.head]
			c.items[c.head] = Item{}
			c.head++
			if c.head == len(c.items) {
				c.items = c.items[:0]
				c.head = 0
			} else if c.head >= compactThreshold && c.head*2 >= len(c.items) {
				n := copy(c.items, c.items[c.head:])
				clear(c.items[n:])
				c.items = c.items[:n]
				c.head = 0
			}
			switch item.Kind {
			case KindChunk:
				c.pending--
			case KindEnd:
				c.drained = true
			}
			c.mu.Unlock()
			return item, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-c.signal:
		}
	}
}

// Len 返回尚未读取的条目数量。
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items) - c.head
}

// Dropped 返回因容量限制被丢弃的输出块数量。
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Chunks 返回被接受的输出块数量，包括之后被丢弃的部分。
func (c *Channel) Chunks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunks
}
