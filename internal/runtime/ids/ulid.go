// Package ids generates the identifiers used on the wire: request IDs and
// peer identities. Both are ULIDs so they sort by creation time, which makes
// interleaved logs from several components easy to reconstruct.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewIdentity builds a routing identity from a human-readable prefix and a
// fresh ULID, e.g. "chat-01J9F3...". The prefix keeps registry snapshots and
// logs readable; the ULID keeps identities unique across restarts.
func NewIdentity(prefix string) string {
	if prefix == "" {
		prefix = "peer"
	}
	return prefix + "-" + CreateULID()
}
