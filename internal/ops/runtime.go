package ops

import "sync/atomic"

// Runtime holds the current config snapshot. Handlers read a consistent
// snapshot per request; a reload swaps the whole value.
type Runtime struct {
	v atomic.Value
}

// NewRuntime stores the initial config.
func NewRuntime(cfg FileConfig) *Runtime {
	var rt Runtime
	rt.v.Store(cfg)
	return &rt
}

// Load returns the current snapshot.
func (r *Runtime) Load() FileConfig {
	return r.v.Load().(FileConfig)
}

// Update swaps in a new snapshot.
func (r *Runtime) Update(cfg FileConfig) {
	r.v.Store(cfg)
}
