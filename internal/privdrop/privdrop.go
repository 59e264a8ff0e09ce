// Package privdrop switches the process to an unprivileged user after its
// sockets are bound.
package privdrop

import (
	"errors"
	"fmt"
	"os/user"
	"strconv"
)

// ErrUnsupported is returned by Drop on platforms without setuid.
var ErrUnsupported = errors.New("privilege drop is not supported on this platform")

// Identity is a resolved user account.
type Identity struct {
	Name string
	UID  int
	GID  int
}

// Lookup resolves a user name to its numeric identity.
func Lookup(name string) (Identity, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return Identity{}, fmt.Errorf("look up user %q: %w", name, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return Identity{}, fmt.Errorf("user %q has non-numeric uid %q", name, u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return Identity{}, fmt.Errorf("user %q has non-numeric gid %q", name, u.Gid)
	}

	return Identity{Name: u.Username, UID: uid, GID: gid}, nil
}
