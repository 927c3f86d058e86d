package collector

import (
	"context"

	"github.com/intellimaint/edge/model"
)

// RawValue is one tag's read result before type mapping. Err is set for
// per-tag failures (bad address, device-reported fault); connection-level
// failures are returned by ReadBatch itself.
type RawValue struct {
	Value   any
	Quality int // canonical: 192 good, 64 uncertain, 0 bad
	Err     error
}

// Conn is one live protocol session. Implementations are not required to be
// goroutine safe; the pool hands a connection to one loop at a time.
type Conn interface {
	// ReadBatch reads all tags in one protocol round trip where the
	// protocol allows it. The result slice is index-aligned with tags.
	ReadBatch(ctx context.Context, tags []model.TagDescriptor) ([]RawValue, error)
	Close(ctx context.Context) error
}

// Driver dials endpoints for one protocol.
type Driver interface {
	Protocol() string
	Dial(ctx context.Context, ep *model.EndpointDescriptor) (Conn, error)
}
