// Package queue defines the hand-off between the scheduler, which decides
// what to harvest, and the dispatcher, which runs harvests.
package queue

import (
	"context"
	"errors"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

// ErrClosed is returned once a queue has been closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue buffers pending WorkItems.
type Queue interface {
	Enqueue(ctx context.Context, item harvest.WorkItem) error
	Dequeue(ctx context.Context) (harvest.WorkItem, error)
}
