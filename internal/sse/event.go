// Package sse 将运行输出通道中的条目编码为 Server-Sent Events。
package sse

import (
	"bufio"
	"io"
	"strings"
)

// 事件类型。
const (
	KindMessage = "message"
	KindResult  = "result"
	KindError   = "error"
	KindDone    = "done"
)

// Event 是一条待写出的 SSE 事件。
type Event struct {
	Kind string
	Data string
}

// WriteTo 以 SSE 线格式写出事件。message 类型省略 event 字段。
// 多行数据拆分为多个 data 行，客户端会以换行重新拼接。
func (e Event) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	if e.Kind != "" && e.Kind != KindMessage {
		b.WriteString("event: ")
		b.WriteString(e.Kind)
		b.WriteByte('\n')
	}
	lines := splitLines(e.Data)
	if len(lines) == 0 {
		lines = []string{""}
	}
	for _, line := range lines {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// Comment 写出一条注释行，用于保持连接活跃。
func Comment(w io.Writer, text string) error {
	_, err := io.WriteString(w, ": "+text+"\n\n")
	return err
}

// Reader 逐条解析 SSE 流，注释行被忽略。
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader 创建读取 r 的解析器。
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Reader{scanner: scanner}
}

// Next 返回下一条完整事件。流结束时返回 io.EOF，末尾未以空行结束的事件被丢弃。
func (r *Reader) Next() (Event, error) {
	var (
		current Event
		data    []string
		pending bool
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if !pending {
				continue
			}
			current.Data = strings.Join(data, "\n")
			if current.Kind == "" {
				current.Kind = KindMessage
			}
			return current, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			current.Kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			pending = true
		case strings.HasPrefix(line, "data:"):
			value := strings.TrimPrefix(line, "data:")
			value = strings.TrimPrefix(value, " ")
			data = append(data, value)
			pending = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// Parse 读取整个 SSE 流并还原事件序列。主要用于测试。
func Parse(r io.Reader) ([]Event, error) {
	reader := NewReader(r)
	var events []Event
	for {
		event, err := reader.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, event)
	}
}

// splitLines 按 \n、\r\n、\r 切分文本。末尾的换行不会产生额外的空行。
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\n':
			lines = append(lines, text[start:i])
			start = i + 1
		case '\r':
			lines = append(lines, text[start:i])
			if i+1 < len(text) && text[i+1] == '\n' {
				i++
			}
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}
