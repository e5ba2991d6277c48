package collab

import (
	"fmt"

	"pkt.systems/coeditd/internal/storage"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols.
type Failure struct {
	Code       string
	Detail     string
	RetryAfter int64 // seconds
	Lock       *storage.LockRecord
	HTTPStatus int // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}
