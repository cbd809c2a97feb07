package manager

import "sync"

// MemoryPublisher stores recent events in memory.
type MemoryPublisher struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

// NewMemoryPublisher keeps at most limit events; limit <= 0 keeps all.
func NewMemoryPublisher(limit int) *MemoryPublisher { return &MemoryPublisher{limit: limit} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	if p.limit > 0 && len(p.events) > p.limit {
		p.events = append(p.events[:0:0], p.events[len(p.events)-p.limit:]...)
	}
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns the event names in publish order.
func (p *MemoryPublisher) Names() []string {
	evs := p.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Name
	}
	return out
}
