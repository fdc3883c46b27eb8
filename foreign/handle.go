package foreign

// Handle owns one foreign reference. It is move-only: copy the pointer and
// you share ownership, which is a bug; use Move to transfer and Clone to
// take a second reference. Release is idempotent.
type Handle struct {
	ref   Ref
	owned bool
}

func newHandle(r Ref) *Handle {
	return &Handle{ref: r, owned: r != 0}
}

// Ref returns the underlying reference, or 0 once released or moved.
func (h *Handle) Ref() Ref {
	if h == nil {
		return 0
	}
	return h.ref
}

// Valid reports whether h still owns a reference.
func (h *Handle) Valid() bool {
	return h != nil && h.owned && h.ref != 0
}

// Move transfers ownership to a new Handle and empties h. No reference count
// changes.
func (h *Handle) Move() *Handle {
	if h == nil {
		return nil
	}
	out := &Handle{ref: h.ref, owned: h.owned}
	h.ref, h.owned = 0, false
	return out
}

func (h *Handle) release(rt Runtime) error {
	if !h.Valid() {
		return nil
	}
	r := h.ref
	h.ref, h.owned = 0, false
	return rt.DecRef(r)
}
