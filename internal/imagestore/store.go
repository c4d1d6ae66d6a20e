// Package imagestore keeps generated images until they expire. Images are
// addressed by flat names such as "<operationId>.jpg".
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by Get for unknown or expired names.
var ErrNotFound = errors.New("imagestore: image not found")

// Store is implemented by the memory, fs, redis and s3 backends.
type Store interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	// Delete removes name; deleting a missing image is not an error.
	Delete(ctx context.Context, name string) error
}

// Sweepable is implemented by backends without native expiry. Sweep removes
// images stored before cutoff and reports how many were removed.
type Sweepable interface {
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// ValidateName rejects names that could escape a directory or bucket prefix.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("imagestore: invalid image name %q", name)
	}
	return nil
}
