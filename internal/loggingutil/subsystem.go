package loggingutil

import (
	"strings"

	"pkt.systems/pslog"
)

// Subsystem builds a dot-delimited subsystem path from the supplied parts
// while skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem returns a logger that attaches the provided subsystem path
// to every entry under the "sys" key.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if subsystem == "" {
		return EnsureLogger(logger)
	}
	return EnsureLogger(logger).With(pslog.TrustedString("sys"), subsystem)
}
