// Package stream 提供一次运行专属的输出通道：无界、有序、并发安全，
// 并以带标签的条目区分普通输出块与终止标记。
package stream

// Kind 标识通道条目的类型。
type Kind uint8

const (
	// KindChunk 是任务写出的一段原始输出。
	KindChunk Kind = iota + 1
	// KindResult 表示任务正常返回。
	KindResult
	// KindError 表示任务失败。
	KindError
	// KindEnd 表示不会再有任何条目写入。
	KindEnd
)

// String 返回类型名称，主要用于日志。
func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindResult:
		return "result"
	case KindError:
		return "error"
	case KindEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Source 标识输出块来自哪一路输出。
type Source uint8

const (
	SourceOut Source = iota
	SourceErr
)

// Item 是通道中的一个条目。Text 对于 Chunk 是输出内容，对于 Result 是返回值，
// 对于 Error 是失败描述，对于 End 为空。
type Item struct {
	Kind   Kind
	Text   string
	Source Source
}

// Chunk 构造一个输出块条目。
func Chunk(text string, source Source) Item {
	return Item{Kind: KindChunk, Text: text, Source: source}
}

// Result 构造结果条目。
func Result(value string) Item {
	return Item{Kind: KindResult, Text: value}
}

// Error 构造失败条目。
func Error(message string) Item {
	return Item{Kind: KindError, Text: message}
}

// End 构造结束标记。
func End() Item {
	return Item{Kind: KindEnd}
}
