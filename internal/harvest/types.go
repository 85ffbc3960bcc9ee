package harvest

import (
	"net/http"
	"time"
)

// SourceKind identifies which adapter handles a SourceReference.
type SourceKind string

// Supported source kinds.
const (
	KindRepository SourceKind = "repository"
	KindHostedDocs SourceKind = "hosted-docs"
	KindWiki       SourceKind = "wiki"
	KindWebsite    SourceKind = "website"
)

// Valid reports whether k is one of the known source kinds.
func (k SourceKind) Valid() bool {
	switch k {
	case KindRepository, KindHostedDocs, KindWiki, KindWebsite:
		return true
	default:
		return false
	}
}

// Project is a catalog entry. The engine never mutates projects.
type Project struct {
	ID             string            `json:"id" mapstructure:"id"`
	Name           string            `json:"name" mapstructure:"name"`
	Category       string            `json:"category,omitempty" mapstructure:"category"`
	Blockchains    []string          `json:"blockchains,omitempty" mapstructure:"blockchains"`
	Sources        []SourceReference `json:"sources" mapstructure:"sources"`
	UpdateInterval time.Duration     `json:"update_interval,omitempty" mapstructure:"update_interval"`
}

// SourceReference points at one place documentation lives for a project.
type SourceReference struct {
	ID           string     `json:"id" mapstructure:"id"`
	ProjectID    string     `json:"project_id" mapstructure:"project_id"`
	Kind         SourceKind `json:"kind" mapstructure:"kind"`
	Location     string     `json:"location" mapstructure:"location"`
	PathPatterns []string   `json:"path_patterns,omitempty" mapstructure:"path_patterns"`
}

// Key returns the exclusion key of the reference.
func (r SourceReference) Key() SourceKey {
	return SourceKey{ProjectID: r.ProjectID, SourceID: r.ID}
}

// SourceKey identifies a (project, source) pair.
type SourceKey struct {
	ProjectID string `json:"project_id"`
	SourceID  string `json:"source_id"`
}

func (k SourceKey) String() string {
	return k.ProjectID + "/" + k.SourceID
}

// DocumentKey identifies a Snapshot.
type DocumentKey struct {
	ProjectID string `json:"project_id"`
	SourceID  string `json:"source_id"`
	Path      string `json:"path"`
}

func (k DocumentKey) String() string {
	return k.ProjectID + "/" + k.SourceID + ":" + k.Path
}

// Source returns the owning source key.
func (k DocumentKey) Source() SourceKey {
	return SourceKey{ProjectID: k.ProjectID, SourceID: k.SourceID}
}

// Candidate is a document an adapter discovered but has not retrieved yet.
type Candidate struct {
	// Path is stable within the source and becomes the document path.
	Path string
	// Locator is adapter specific: a URL, a git blob SHA, etc.
	Locator     string
	ContentType string
	Size        int64
}

// RawArtifact is the transient output of a retrieval. It is never persisted.
type RawArtifact struct {
	ProjectID   string
	SourceID    string
	Path        string
	URL         string
	ContentType string
	Body        []byte
	Truncated   bool
}

// Heading is one outline entry.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// NormalizedDocument is the canonical representation of one document.
type NormalizedDocument struct {
	ProjectID   string    `json:"project_id"`
	SourceID    string    `json:"source_id"`
	Path        string    `json:"path"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Outline     []Heading `json:"outline,omitempty"`
	ContentType string    `json:"content_type"`
	Truncated   bool      `json:"truncated"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// Key returns the snapshot key for the document.
func (d NormalizedDocument) Key() DocumentKey {
	return DocumentKey{ProjectID: d.ProjectID, SourceID: d.SourceID, Path: d.Path}
}

// Snapshot is the latest observation of a document.
type Snapshot struct {
	Document    NormalizedDocument `json:"document"`
	Fingerprint string             `json:"fingerprint"`
	LastChanged time.Time          `json:"last_changed"`
	LastChecked time.Time          `json:"last_checked"`
	// Version increments on every write. Writers pass the version they read;
	// zero means the key must not exist yet.
	Version int64 `json:"version"`
}

// Key returns the snapshot key.
func (s Snapshot) Key() DocumentKey {
	return s.Document.Key()
}

// Classification is the outcome of comparing a document to its prior snapshot.
type Classification string

// Classification values.
const (
	Unchanged Classification = "unchanged"
	Changed   Classification = "changed"
	New       Classification = "new"
)

// Change carries the classification along with both fingerprints.
type Change struct {
	Classification Classification
	Fingerprint    string
	Previous       string
}

// ChangeEvent records a New or Changed observation.
type ChangeEvent struct {
	ID                  string         `json:"id"`
	ProjectID           string         `json:"project_id"`
	SourceID            string         `json:"source_id"`
	Path                string         `json:"path"`
	PreviousFingerprint string         `json:"previous_fingerprint,omitempty"`
	NewFingerprint      string         `json:"new_fingerprint"`
	Classification      Classification `json:"classification"`
	Timestamp           time.Time      `json:"timestamp"`
}

// Key returns the snapshot key the event belongs to.
func (e ChangeEvent) Key() DocumentKey {
	return DocumentKey{ProjectID: e.ProjectID, SourceID: e.SourceID, Path: e.Path}
}

// FeedCursor positions a change feed read. The feed is ordered by
// (Timestamp, ID) and a read returns events strictly after the cursor. With
// an empty AfterID every event at Since is excluded.
type FeedCursor struct {
	Since   time.Time
	AfterID string
}

// Admits reports whether e sorts after the cursor.
func (c FeedCursor) Admits(e ChangeEvent) bool {
	if e.Timestamp.After(c.Since) {
		return true
	}
	return c.AfterID != "" && e.Timestamp.Equal(c.Since) && e.ID > c.AfterID
}

// Next returns the cursor that resumes after e.
func (c FeedCursor) Next(e ChangeEvent) FeedCursor {
	return FeedCursor{Since: e.Timestamp, AfterID: e.ID}
}

// Filter narrows snapshot queries. Empty fields match everything.
type Filter struct {
	ProjectID    string
	SourceID     string
	ChangedSince time.Time
	FreshWithin  time.Duration
}

// SnapshotView is a Snapshot annotated with staleness for readers.
type SnapshotView struct {
	Snapshot
	Stale bool          `json:"stale"`
	Age   time.Duration `json:"age"`
}

// WorkState is the lifecycle state of a WorkItem.
type WorkState string

// WorkItem states.
const (
	WorkPending   WorkState = "pending"
	WorkInFlight  WorkState = "in_flight"
	WorkCompleted WorkState = "completed"
	WorkFailed    WorkState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s WorkState) Terminal() bool {
	return s == WorkCompleted || s == WorkFailed
}

// Trigger records why a WorkItem was created.
type Trigger string

// Trigger values.
const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	// TriggerStale is a refresh requested by a reader that saw stale snapshots.
	TriggerStale Trigger = "stale"
)

// DocumentStatus is the per-document outcome inside a WorkResult.
type DocumentStatus string

// DocumentStatus values. Unchanged, Changed and New mirror Classification.
const (
	DocumentNew       DocumentStatus = "new"
	DocumentChanged   DocumentStatus = "changed"
	DocumentUnchanged DocumentStatus = "unchanged"
	DocumentSkipped   DocumentStatus = "skipped"
	DocumentFailed    DocumentStatus = "failed"
)

// DocumentOutcome describes what happened to one candidate.
type DocumentOutcome struct {
	Path     string         `json:"path"`
	Status   DocumentStatus `json:"status"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error,omitempty"`
}

// WorkResult aggregates a harvest run.
type WorkResult struct {
	Documents         []DocumentOutcome `json:"documents,omitempty"`
	DiscoveryAttempts int               `json:"discovery_attempts"`
	ChangeEvents      int               `json:"change_events"`
	Err               error             `json:"-"`
	ErrorText         string            `json:"error,omitempty"`
}

// Counts tallies outcomes by status.
func (r WorkResult) Counts() map[DocumentStatus]int {
	out := make(map[DocumentStatus]int, len(r.Documents))
	for _, d := range r.Documents {
		out[d.Status]++
	}
	return out
}

// WorkItem is one scheduled or manual harvest of a single source.
type WorkItem struct {
	ID         string          `json:"id"`
	Source     SourceReference `json:"source"`
	Trigger    Trigger         `json:"trigger"`
	State      WorkState       `json:"state"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Result     WorkResult      `json:"result"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
	// MaxBytes truncates the body when positive.
	MaxBytes int64
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Truncated    bool
	Duration     time.Duration
	UsedHeadless bool
}

// ContentType returns the response Content-Type header.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}
