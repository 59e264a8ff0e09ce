package filter

import "crypto/subtle"

// Xor XORs a datagram with a key repeated cyclically from offset 0.
type Xor struct {
	key []byte
}

// NewXor creates an XOR filter. The key is copied.
func NewXor(key []byte) (*Xor, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	k := make([]byte, len(key))
	copy(k, key)
	return &Xor{key: k}, nil
}

// KeyLen returns the key length in bytes.
func (x *Xor) KeyLen() int {
	return len(x.key)
}

// Apply XORs b with the key in place.
func (x *Xor) Apply(b []byte) {
	for off := 0; off < len(b); off += len(x.key) {
		chunk := b[off:]
		subtle.XORBytes(chunk, chunk, x.key)
	}
}
