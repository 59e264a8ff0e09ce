package filter

// Head passes only the first N bytes of a datagram to the wrapped filter.
// Bytes past N are left untouched; datagrams shorter than N are transformed
// whole.
type Head struct {
	next Filter
	n    int
}

// NewHead wraps next so that it only sees the first n bytes.
func NewHead(next Filter, n int) (*Head, error) {
	if n < 0 {
		return nil, ErrNegativeHead
	}
	return &Head{next: next, n: n}, nil
}

// Len returns the prefix length.
func (h *Head) Len() int {
	return h.n
}

// Apply transforms b[:min(n, len(b))].
func (h *Head) Apply(b []byte) {
	h.next.Apply(b[:min(h.n, len(b))])
}
