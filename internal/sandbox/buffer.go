package sandbox

import "sync"

// MaxStreamBytes bounds captured stdout/stderr per stream. Agents can emit
// unbounded output; anything past the bound is dropped and marked.
const MaxStreamBytes = 1 << 20

const truncationMarker = "\n...[output truncated]"

// boundedBuffer is an io.Writer that keeps at most MaxStreamBytes of input.
// Safe for concurrent use; Write never returns an error so stream copies
// keep draining after the bound is hit.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := MaxStreamBytes - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
			b.truncated = true
		} else {
			b.buf = append(b.buf, p...)
		}
	} else {
		b.truncated = true
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + truncationMarker
	}
	return string(b.buf)
}
