package agent

import "sync"

// OutputBuffer accumulates captured stdout/stderr lines until a flush
// trigger combines them into a single outbound chunk. The server does
// not distinguish stream origin once combined, matching the wire
// protocol's single "data" field per output message.
type OutputBuffer struct {
	mu    sync.Mutex
	lines []string
	size  int
}

func (b *OutputBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	b.size += len(line)
}

func (b *OutputBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *OutputBuffer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines) == 0
}

// TakeAll concatenates and clears the buffer, returning what was held.
func (b *OutputBuffer) TakeAll() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) == 0 {
		return ""
	}
	out := make([]byte, 0, b.size)
	for _, l := range b.lines {
		out = append(out, l...)
	}
	b.lines = nil
	b.size = 0
	return string(out)
}

// PendingOutput is one output chunk already sent but not yet
// acknowledged by the server, retained so it can be replayed verbatim
// after a reconnect.
type PendingOutput struct {
	Seq  uint64
	Data string
}

// PendingSet tracks unacked outbound output messages in seq order, the
// client-side mirror of core/state.AgentConnection's Pending slice.
type PendingSet struct {
	mu    sync.Mutex
	items []PendingOutput
}

func (p *PendingSet) Add(seq uint64, data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, PendingOutput{Seq: seq, Data: data})
}

// AckUpTo drops every retained item with Seq <= seq.
func (p *PendingSet) AckUpTo(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.items[:0]
	for _, it := range p.items {
		if it.Seq > seq {
			kept = append(kept, it)
		}
	}
	p.items = kept
}

// Unacked returns every currently retained item in seq order, for
// replay after a sync_response indicates the server is behind.
func (p *PendingSet) Unacked() []PendingOutput {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingOutput, len(p.items))
	copy(out, p.items)
	return out
}

func (p *PendingSet) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items) == 0
}
