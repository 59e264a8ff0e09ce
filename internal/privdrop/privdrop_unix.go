//go:build unix

package privdrop

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/postalsys/udp-obfuscat/internal/logging"
)

// Drop switches to the named user when running as root. It is a no-op for
// non-root processes and for a target that is itself root. dropped reports
// whether the identity changed.
func Drop(logger *slog.Logger, name string) (dropped bool, err error) {
	id, err := Lookup(name)
	if err != nil {
		return false, err
	}

	if unix.Geteuid() != 0 || id.UID == 0 {
		logger.Debug("not dropping privileges",
			slog.String("user", id.Name),
			slog.Int("euid", unix.Geteuid()))
		return false, nil
	}

	logger.Info("dropping root privileges",
		slog.String("user", id.Name),
		slog.Int("uid", id.UID),
		slog.Int("gid", id.GID))

	// Group changes must happen while still root.
	if err := unix.Setgroups([]int{id.GID}); err != nil {
		return false, fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setgid(id.GID); err != nil {
		return false, fmt.Errorf("setgid %d: %w", id.GID, err)
	}
	if err := unix.Setuid(id.UID); err != nil {
		return false, fmt.Errorf("setuid %d: %w", id.UID, err)
	}

	if unix.Geteuid() != id.UID {
		err := fmt.Errorf("still running as uid %d after setuid %d", unix.Geteuid(), id.UID)
		logger.Error("privilege drop incomplete", slog.String(logging.KeyError, err.Error()))
		return false, err
	}

	return true, nil
}
