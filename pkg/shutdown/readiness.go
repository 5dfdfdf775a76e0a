package shutdown

import "sync"

// Readiness is the small mutex-protected registry /healthz reads: each
// subsystem sets its own name ready/not-ready, and the handler reports the
// full list of not-ready names.
type Readiness struct {
	mu       sync.Mutex
	notReady map[string]struct{}
}

// NewReadiness constructs an empty registry. A name is reported as not
// ready only after SetNotReady and until the next SetReady; a name never
// set is not reported.
func NewReadiness() *Readiness {
	return &Readiness{notReady: map[string]struct{}{}}
}

// SetNotReady marks name as not ready.
func (r *Readiness) SetNotReady(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notReady[name] = struct{}{}
}

// SetReady marks name as ready.
func (r *Readiness) SetReady(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.notReady, name)
}

// NotReady returns the current list of not-ready subsystem names. An empty
// slice (never nil) means the process is fully ready.
func (r *Readiness) NotReady() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notReady))
	for name := range r.notReady {
		out = append(out, name)
	}
	return out
}
