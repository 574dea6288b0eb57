package coordinator

import "sync"

// Terminal markers appended as the final line of every run log.
const (
	EndMarker   = "__END__"
	ErrorMarker = "__ERROR__"
)

// LogBuffer is an append-only line buffer shared between the run goroutine
// and any number of streaming readers. Readers block until lines past
// their offset exist or the buffer is finished.
type LogBuffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	lines    []string
	finished bool
}

func NewLogBuffer() *LogBuffer {
	b := &LogBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Append adds one line. Appending after Finish is a no-op.
func (b *LogBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	b.lines = append(b.lines, line)
	b.cond.Broadcast()
}

// Finish seals the buffer and wakes all readers.
func (b *LogBuffer) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = true
	b.cond.Broadcast()
}

// Next blocks until lines beyond offset are available and returns them
// with the new offset. ok is false once the buffer is finished and fully
// drained.
func (b *LogBuffer) Next(offset int) (lines []string, next int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for offset >= len(b.lines) && !b.finished {
		b.cond.Wait()
	}
	if offset >= len(b.lines) {
		return nil, offset, false
	}
	lines = make([]string, len(b.lines)-offset)
	copy(lines, b.lines[offset:])
	return lines, len(b.lines), true
}

// Snapshot returns all lines buffered so far.
func (b *LogBuffer) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// Wake broadcasts without appending, so readers blocked in Next can
// re-check a cancelled context.
func (b *LogBuffer) Wake() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cond.Broadcast()
}
