// Package worker implements the harvest pipeline for one source:
// discover, retrieve, normalize, diff, and commit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/archive"
	"github.com/JakeFAU/docharvest/internal/fingerprint"
	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/metrics"
	"github.com/JakeFAU/docharvest/internal/publisher"
	"github.com/JakeFAU/docharvest/internal/retry"
)

// AdapterSource resolves the adapter for a source kind.
type AdapterSource interface {
	For(kind harvest.SourceKind) (harvest.Adapter, error)
}

// Config controls Harvester behavior.
type Config struct {
	// Retry governs every discovery, retrieval, and store operation.
	// Retry.AttemptTimeout is the per-operation fetch timeout.
	Retry retry.Policy
	// DiscoveryTimeout bounds each discovery attempt in place of
	// Retry.AttemptTimeout, since discovery may crawl many pages. Zero leaves
	// discovery bounded by its per-request timeouts only.
	DiscoveryTimeout time.Duration
	// Deadline overrides the derived per-document deadline when positive.
	Deadline time.Duration
}

// Harvester runs one harvest of a SourceReference.
type Harvester struct {
	adapters   AdapterSource
	normalizer harvest.Normalizer
	store      harvest.SnapshotStore
	clock      harvest.Clock
	ids        harvest.IDGenerator
	archiver   *archive.Archiver
	notifier   *publisher.Notifier
	cfg        Config
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// New constructs a Harvester. archiver and notifier may be nil.
func New(
	adapters AdapterSource,
	normalizer harvest.Normalizer,
	store harvest.SnapshotStore,
	clock harvest.Clock,
	ids harvest.IDGenerator,
	archiver *archive.Archiver,
	notifier *publisher.Notifier,
	cfg Config,
	logger *zap.Logger,
) *Harvester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harvester{
		adapters:   adapters,
		normalizer: normalizer,
		store:      store,
		clock:      clock,
		ids:        ids,
		archiver:   archiver,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger,
	}
}

// Deadline is the wall-clock budget of each stage of one document's
// pipeline (retrieval, then commit): the per-operation timeout times the
// attempt budget plus worst-case backoff. It does not grow with the number
// of documents in a source. Zero means unbounded.
func (h *Harvester) Deadline() time.Duration {
	if h.cfg.Deadline > 0 {
		return h.cfg.Deadline
	}
	p := h.cfg.Retry
	if p.AttemptTimeout <= 0 {
		return 0
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return p.AttemptTimeout*time.Duration(attempts) + p.Budget()
}

// errAborted marks a failure that ends the harvest before all candidates
// are processed.
var errAborted = errors.New("harvest aborted")

// Harvest runs the pipeline for ref. Errors are reported on the result;
// Err is set when the WorkItem should be marked Failed.
func (h *Harvester) Harvest(ctx context.Context, ref harvest.SourceReference) harvest.WorkResult {
	start := time.Now()
	metrics.IncActiveHarvests()
	defer metrics.DecActiveHarvests()

	logger := h.logger.With(
		zap.String("project", ref.ProjectID),
		zap.String("source", ref.ID),
		zap.String("kind", string(ref.Kind)),
	)
	result := h.run(ctx, ref, logger)
	if result.Err != nil {
		result.ErrorText = result.Err.Error()
	}
	status := string(harvest.WorkCompleted)
	if result.Err != nil {
		status = string(harvest.WorkFailed)
	}
	metrics.ObserveHarvest(string(ref.Kind), status, time.Since(start))
	logger.Info("harvest finished",
		zap.String("status", status),
		zap.Int("documents", len(result.Documents)),
		zap.Int("change_events", result.ChangeEvents),
		zap.Duration("duration", time.Since(start)),
		zap.NamedError("cause", result.Err),
	)
	return result
}

func (h *Harvester) run(ctx context.Context, ref harvest.SourceReference, logger *zap.Logger) harvest.WorkResult {
	var result harvest.WorkResult

	adapter, err := h.adapters.For(ref.Kind)
	if err != nil {
		result.Err = fmt.Errorf("resolve adapter: %w", err)
		return result
	}

	var candidates []harvest.Candidate
	discovery := h.cfg.Retry
	discovery.AttemptTimeout = h.cfg.DiscoveryTimeout
	result.DiscoveryAttempts, err = h.retry(ctx, discovery, string(ref.Kind), func(ctx context.Context) error {
		var derr error
		candidates, derr = adapter.Discover(ctx, ref)
		return derr
	})
	if err != nil {
		logger.Warn("discovery failed", zap.Int("attempts", result.DiscoveryAttempts), zap.Error(err))
		result.Err = err
		return result
	}
	if len(candidates) == 0 {
		logger.Debug("no documents discovered")
		return result
	}

	guard := func(ctx context.Context, op func(context.Context) error) (int, error) {
		return h.guard(ctx, ref, op)
	}
	var lastErr error
	succeeded := 0
	for r, err := range harvest.Retrievals(ctx, adapter, ref, candidates, guard) {
		outcome := harvest.DocumentOutcome{Path: r.Candidate.Path, Attempts: r.Attempts}
		if err != nil {
			outcome.Status = harvest.DocumentFailed
			outcome.Error = err.Error()
			result.Documents = append(result.Documents, outcome)
			metrics.ObserveDocument(string(ref.Kind), string(harvest.DocumentFailed))
			lastErr = err
			if ctx.Err() != nil {
				result.Err = err
				return result
			}
			if harvest.IsFetchKind(err, harvest.FetchAuthFailure) {
				logger.Warn("authentication failed, source degraded", zap.String("path", r.Candidate.Path), zap.Error(err))
				result.Err = err
				return result
			}
			logger.Warn("document retrieval failed",
				zap.String("path", r.Candidate.Path),
				zap.Int("attempts", r.Attempts),
				zap.Error(err),
			)
			continue
		}

		status, events, err := h.process(ctx, ref, r.Artifact, logger)
		outcome.Status = status
		result.ChangeEvents += events
		if err != nil {
			outcome.Error = err.Error()
		}
		result.Documents = append(result.Documents, outcome)
		metrics.ObserveDocument(string(ref.Kind), string(status))
		if errors.Is(err, errAborted) {
			result.Err = err
			return result
		}
		if status == harvest.DocumentFailed {
			lastErr = err
			continue
		}
		succeeded++
	}

	if succeeded == 0 && lastErr != nil {
		result.Err = fmt.Errorf("all %d documents failed: %w", len(candidates), lastErr)
	}
	return result
}

// process normalizes and commits one artifact, returning its status and the
// number of change events recorded.
func (h *Harvester) process(
	ctx context.Context,
	ref harvest.SourceReference,
	raw harvest.RawArtifact,
	logger *zap.Logger,
) (harvest.DocumentStatus, int, error) {
	now := h.clock.Now()
	doc, err := h.normalizer.Normalize(raw, now)
	if err != nil {
		var ne *harvest.NormalizeError
		if errors.As(err, &ne) {
			logger.Info("document skipped", zap.String("path", raw.Path), zap.String("reason", string(ne.Kind)))
			return harvest.DocumentSkipped, 0, err
		}
		logger.Warn("normalize failed", zap.String("path", raw.Path), zap.Error(err))
		return harvest.DocumentFailed, 0, err
	}

	var (
		stored harvest.Snapshot
		change harvest.Change
		event  *harvest.ChangeEvent
	)
	_, err = h.guard(ctx, ref, func(ctx context.Context) error {
		prior, found, gerr := h.store.Get(ctx, doc.Key())
		if gerr != nil {
			return gerr
		}
		var priorPtr *harvest.Snapshot
		if found {
			priorPtr = &prior
		}
		change = fingerprint.Classify(doc, priorPtr)
		snap, ev, berr := h.build(doc, priorPtr, change, now)
		if berr != nil {
			return berr
		}
		event = ev
		var cerr error
		stored, cerr = h.store.Commit(ctx, snap, ev)
		return cerr
	})
	if err != nil {
		if harvest.IsStoreKind(err, harvest.WriteConflict) {
			logger.Error("concurrent snapshot write detected", zap.String("path", doc.Path), zap.Error(err))
			return harvest.DocumentFailed, 0, fmt.Errorf("%w: %w", errAborted, err)
		}
		if ctx.Err() != nil {
			return harvest.DocumentFailed, 0, fmt.Errorf("%w: %w", errAborted, err)
		}
		logger.Warn("commit failed", zap.String("path", doc.Path), zap.Error(err))
		return harvest.DocumentFailed, 0, err
	}

	if event == nil {
		return harvest.DocumentUnchanged, 0, nil
	}
	metrics.ObserveChangeEvent()
	logger.Info("document changed",
		zap.String("path", doc.Path),
		zap.String("classification", string(change.Classification)),
		zap.String("fingerprint", stored.Fingerprint),
		zap.Int64("version", stored.Version),
	)
	h.archiver.Archive(ctx, stored)
	h.notifier.Notify(ctx, *event)
	if change.Classification == harvest.New {
		return harvest.DocumentNew, 1, nil
	}
	return harvest.DocumentChanged, 1, nil
}

// build prepares the snapshot to commit and, for New and Changed documents,
// the change event that goes with it.
func (h *Harvester) build(
	doc harvest.NormalizedDocument,
	prior *harvest.Snapshot,
	change harvest.Change,
	now time.Time,
) (harvest.Snapshot, *harvest.ChangeEvent, error) {
	snap := harvest.Snapshot{
		Document:    doc,
		Fingerprint: change.Fingerprint,
		LastChanged: now,
		LastChecked: now,
	}
	if prior != nil {
		snap.Version = prior.Version
	}
	if change.Classification == harvest.Unchanged {
		snap.LastChanged = prior.LastChanged
		return snap, nil, nil
	}
	id, err := h.ids.NewID()
	if err != nil {
		return harvest.Snapshot{}, nil, fmt.Errorf("generate event id: %w", err)
	}
	return snap, &harvest.ChangeEvent{
		ID:                  id,
		ProjectID:           doc.ProjectID,
		SourceID:            doc.SourceID,
		Path:                doc.Path,
		PreviousFingerprint: change.Previous,
		NewFingerprint:      change.Fingerprint,
		Classification:      change.Classification,
		Timestamp:           now,
	}, nil
}

// guard runs op for one document stage under the retry policy and the
// per-document deadline.
func (h *Harvester) guard(ctx context.Context, ref harvest.SourceReference, op func(context.Context) error) (int, error) {
	if d := h.Deadline(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	attempts, err := h.retry(ctx, h.cfg.Retry, string(ref.Kind), op)
	if err != nil {
		err = deadlineErr(ctx, ref, err)
	}
	return attempts, err
}

func (h *Harvester) retry(ctx context.Context, p retry.Policy, kind string, op func(context.Context) error) (int, error) {
	opts := []retry.Option{
		retry.OnRetry(func(attempt int, err error, wait time.Duration) {
			metrics.ObserveRetry(kind)
			h.logger.Debug("retrying operation",
				zap.String("kind", kind),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		}),
	}
	if h.sleep != nil {
		opts = append(opts, retry.WithSleep(h.sleep))
	}
	return retry.Do(ctx, p, op, opts...)
}

// deadlineErr reports an expired document deadline as a timeout.
func deadlineErr(ctx context.Context, ref harvest.SourceReference, err error) error {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) || harvest.IsFetchKind(err, harvest.FetchTimeout) {
		return err
	}
	return &harvest.FetchError{Kind: harvest.FetchTimeout, Location: ref.Location, Err: err}
}
