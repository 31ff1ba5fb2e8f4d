package hanging

import (
	"sync"
)

// Registry holds protocols grouped by category (typically modality).
// Construct one at application start and pass it to whatever needs
// protocol lookup; there is no process-wide instance.
type Registry struct {
	mu         sync.RWMutex
	byCategory map[string][]*Protocol
}

func NewRegistry() *Registry {
	return &Registry{byCategory: map[string][]*Protocol{}}
}

// Register files p under category. Registration order is preserved and
// decides lookup priority.
func (r *Registry) Register(category string, p *Protocol) {
	r.mu.Lock()
	r.byCategory[category] = append(r.byCategory[category], p)
	r.mu.Unlock()
}

// Find returns the protocols of a category, most preferred first.
func (r *Registry) Find(category string) []*Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Protocol(nil), r.byCategory[category]...)
}

// Categories lists the registered categories in no particular order.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byCategory))
	for c := range r.byCategory {
		out = append(out, c)
	}
	return out
}
