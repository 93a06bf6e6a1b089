// Package ids generates the identifiers used for correlation and message UUIDs.
package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var defaultGenerator = NewGenerator()

// Generator hands out monotonic ULIDs. Every broker owns one so correlation
// identifiers stay unique and ordered within that broker even when many calls are
// issued within the same millisecond.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewGenerator returns a Generator backed by crypto/rand with monotonic entropy.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// Next returns a new 26-character ULID string.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

// CreateULID returns a ULID from the process-wide generator. It is used for transport
// message UUIDs, not for correlation.
func CreateULID() string {
	return defaultGenerator.Next()
}
