package sse

import (
	"context"
	"io"

	"PhoneAgent-Web/internal/stream"
)

// Source 是编码器读取的条目来源，通常为 *stream.Channel。
type Source interface {
	Pop(ctx context.Context) (stream.Item, error)
}

// Encoder 逐条把通道条目转换为事件。一个输出块可能产生多条 message 事件，
// 尚未返回的行保存在编码器内部，被 ctx 打断的 Next 调用不会丢失数据。
type Encoder struct {
	src     Source
	pending []string
	done    bool
}

// NewEncoder 创建读取 src 的编码器。
func NewEncoder(src Source) *Encoder {
	return &Encoder{src: src}
}

// Next 返回下一条事件。done 事件之后返回 io.EOF。
func (e *Encoder) Next(ctx context.Context) (Event, error) {
	for {
		if len(e.pending) > 0 {
			line := e.pending[0]
			e.pending = e.pending[1:]
			return Event{Kind: KindMessage, Data: line}, nil
		}
		if e.done {
			return Event{}, io.EOF
		}

		item, err := e.src.Pop(ctx)
		if err != nil {
			return Event{}, err
		}
		switch item.Kind {
		case stream.KindChunk:
			e.pending = splitLines(item.Text)
		case stream.KindResult:
			return Event{Kind: KindResult, Data: item.Text}, nil
		case stream.KindError:
			return Event{Kind: KindError, Data: item.Text}, nil
		case stream.KindEnd:
			e.done = true
			return Event{Kind: KindDone, Data: KindDone}, nil
		}
	}
}

// Outcome 是同步模式下收集到的运行结局。
type Outcome struct {
	OK      bool
	Result  string
	Message string
}

// Collect 读取 src 直到结束，返回结局与全部输出行。
// 没有任何结局条目时视为失败。
func Collect(ctx context.Context, src Source) (Outcome, []string, error) {
	enc := NewEncoder(src)
	var (
		outcome Outcome
		lines   []string
		seen    bool
	)
	for {
		ev, err := enc.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return Outcome{}, lines, err
		}
		switch ev.Kind {
		case KindMessage:
			lines = append(lines, ev.Data)
		case KindResult:
			outcome, seen = Outcome{OK: true, Result: ev.Data}, true
		case KindError:
			outcome, seen = Outcome{Message: ev.Data}, true
		}
	}
	if !seen {
		outcome = Outcome{Message: "运行结束但没有返回结果"}
	}
	return outcome, lines, nil
}
