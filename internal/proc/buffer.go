package proc

import "sync"

// CappedBuffer keeps the first Limit bytes written to it and silently drops
// the rest. Write never fails, so a copier keeps draining the child's pipe.
type CappedBuffer struct {
	Limit int

	mu  sync.Mutex
	buf []byte
}

func (b *CappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.Limit - len(b.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		b.buf = append(b.buf, p[:room]...)
	}
	return len(p), nil
}

// String returns the retained bytes.
func (b *CappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
