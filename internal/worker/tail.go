package worker

import (
	"bytes"
	"strings"
	"sync"
)

// DefaultTailBytes - размер log_tail по умолчанию.
const DefaultTailBytes = 16 * 1024

// TailBuffer - io.Writer, хранящий только последние max байт вывода.
// Безопасен для одновременной записи из stdout и stderr.
type TailBuffer struct {
	mu      sync.Mutex
	max     int
	buf     []byte
	written int64
}

// NewTailBuffer создаёт буфер на max байт.
func NewTailBuffer(max int) *TailBuffer {
	if max <= 0 {
		max = DefaultTailBytes
	}
	return &TailBuffer{max: max}
}

// Write реализует io.Writer. Всегда принимает все байты.
func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.written += int64(len(p))
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return len(p), nil
	}

	t.buf = append(t.buf, p...)
	if len(t.buf) > 2*t.max {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

// Truncated возвращает true, если часть вывода была отброшена.
func (t *TailBuffer) Truncated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written > int64(t.max)
}

// String возвращает хвост вывода.
//
// Если вывод обрезан, первая неполная строка отбрасывается.
// NUL-байты удаляются: jsonb их не принимает.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	tail := t.buf
	if len(tail) > t.max {
		tail = tail[len(tail)-t.max:]
	}
	if t.written > int64(len(tail)) {
		if i := bytes.IndexByte(tail, '\n'); i >= 0 && i < len(tail)-1 {
			tail = tail[i+1:]
		}
	}

	s := strings.ReplaceAll(string(tail), "\x00", "")
	return strings.ToValidUTF8(s, "")
}
