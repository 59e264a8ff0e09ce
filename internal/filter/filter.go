// Package filter implements the reversible datagram transforms applied on the
// remote-facing leg of the relay.
//
// Every filter works in place and preserves the datagram length. The XOR
// filter is an involution: applying it twice with the same key restores the
// original bytes, so both relay instances of a pair run the same pipeline in
// both directions.
//
// The key schedule is per datagram. The key repeats cyclically starting at
// offset 0 for every datagram independently, which means identical plaintext
// at the same offset always produces identical bytes on the wire. The
// transform deters passive inspection only; it provides no confidentiality.
package filter

import "errors"

var (
	// ErrEmptyKey is returned when an XOR filter is built without key bytes.
	ErrEmptyKey = errors.New("xor key must not be empty")

	// ErrNegativeHead is returned for a negative prefix length.
	ErrNegativeHead = errors.New("head length must not be negative")
)

// Filter transforms a datagram in place.
type Filter interface {
	Apply(b []byte)
}

// Pipeline applies its filters in order.
type Pipeline []Filter

// Apply runs every filter of the pipeline over b.
func (p Pipeline) Apply(b []byte) {
	for _, f := range p {
		f.Apply(b)
	}
}

// Options describes the filter chain built by New.
type Options struct {
	// Key is the decoded XOR key.
	Key []byte

	// HeadLen restricts the transform to the first HeadLen bytes of every
	// datagram. Nil transforms the whole datagram.
	HeadLen *int
}

// New builds the filter chain for opts.
func New(opts Options) (Filter, error) {
	xor, err := NewXor(opts.Key)
	if err != nil {
		return nil, err
	}

	var f Filter = xor
	if opts.HeadLen != nil {
		head, err := NewHead(f, *opts.HeadLen)
		if err != nil {
			return nil, err
		}
		f = head
	}

	return Pipeline{f}, nil
}
