package harvest

import (
	"context"
	"time"
)

// Adapter discovers and retrieves documents for one source kind.
type Adapter interface {
	Kind() SourceKind
	Discover(ctx context.Context, ref SourceReference) ([]Candidate, error)
	Retrieve(ctx context.Context, ref SourceReference, candidate Candidate) (RawArtifact, error)
}

// Normalizer converts raw artifacts into canonical documents.
type Normalizer interface {
	Normalize(raw RawArtifact, extractedAt time.Time) (NormalizedDocument, error)
}

// SnapshotStore persists the latest snapshot per document and its change history.
type SnapshotStore interface {
	Get(ctx context.Context, key DocumentKey) (Snapshot, bool, error)
	Upsert(ctx context.Context, snap Snapshot) (Snapshot, error)
	AppendChangeEvent(ctx context.Context, event ChangeEvent) error
	// Commit upserts snap and appends event (when non-nil) as one unit.
	Commit(ctx context.Context, snap Snapshot, event *ChangeEvent) (Snapshot, error)
	Query(ctx context.Context, filter Filter) ([]Snapshot, error)
	ChangeFeed(ctx context.Context, cursor FeedCursor, limit int) ([]ChangeEvent, error)
	History(ctx context.Context, key DocumentKey) ([]ChangeEvent, error)
	DeleteSource(ctx context.Context, key SourceKey) error
	DeleteProject(ctx context.Context, projectID string) error
}

// Catalog is the read-only project registry.
type Catalog interface {
	Projects(ctx context.Context) ([]Project, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// BlobStore writes archived bodies and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes change notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers for work items and change events.
type IDGenerator interface {
	NewID() (string, error)
}
