//go:build !unix

package privdrop

import "log/slog"

// Drop is not supported on this platform.
func Drop(_ *slog.Logger, name string) (bool, error) {
	if _, err := Lookup(name); err != nil {
		return false, err
	}
	return false, ErrUnsupported
}
