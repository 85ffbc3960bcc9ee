package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

// Noop implements Fetcher but always returns an error to indicate that
// headless browsing is not available in the current build.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// ErrNotConfigured is returned by Noop.Fetch.
var ErrNotConfigured = errors.New("headless fetcher not configured")

// Fetch returns ErrNotConfigured. Callers fall back to the plain HTTP response.
func (Noop) Fetch(_ context.Context, _ harvest.FetchRequest) (harvest.FetchResponse, error) {
	return harvest.FetchResponse{}, ErrNotConfigured
}

// Close is a no-op.
func (Noop) Close() {}
