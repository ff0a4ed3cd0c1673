package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Deliverer is the handoff boundary to the external digest renderer.
type Deliverer interface {
	Deliver(ctx context.Context, d *Digest) error
}

// Outbox hands digests off as JSON lines appended to a file, one per digest.
// The rendering service consumes the file; the engine's responsibility ends
// at a durable, well-formed handoff.
type Outbox struct {
	mu   sync.Mutex
	path string
}

// NewOutbox creates an Outbox writing to path.
func NewOutbox(path string) *Outbox {
	return &Outbox{path: path}
}

// Deliver appends the digest to the outbox file.
func (o *Outbox) Deliver(_ context.Context, d *Digest) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal digest: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.OpenFile(o.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write outbox: %w", err)
	}
	return nil
}
