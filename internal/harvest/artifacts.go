package harvest

import (
	"context"
	"iter"
)

// Guard runs op on behalf of an artifact sequence and reports how many
// attempts it took. Retry policies and per-operation timeouts plug in here.
type Guard func(ctx context.Context, op func(context.Context) error) (int, error)

// Once is the Guard that runs op a single time.
func Once(ctx context.Context, op func(context.Context) error) (int, error) {
	return 1, op(ctx)
}

// Retrieved is one element of a retrieval sequence.
type Retrieved struct {
	Candidate Candidate
	Artifact  RawArtifact
	Attempts  int
}

// Retrievals lazily retrieves each candidate in order. A failed retrieval is
// yielded with its error and the sequence continues with the next
// candidate. The sequence stops early when ctx is done or the consumer breaks.
func Retrievals(
	ctx context.Context,
	adapter Adapter,
	ref SourceReference,
	candidates []Candidate,
	guard Guard,
) iter.Seq2[Retrieved, error] {
	if guard == nil {
		guard = Once
	}
	return func(yield func(Retrieved, error) bool) {
		for _, c := range candidates {
			if ctx.Err() != nil {
				yield(Retrieved{Candidate: c}, ctx.Err())
				return
			}
			var artifact RawArtifact
			attempts, err := guard(ctx, func(ctx context.Context) error {
				var rerr error
				artifact, rerr = adapter.Retrieve(ctx, ref, c)
				return rerr
			})
			if err == nil {
				artifact = stamp(artifact, ref, c)
			}
			if !yield(Retrieved{Candidate: c, Artifact: artifact, Attempts: attempts}, err) {
				return
			}
		}
	}
}

// Artifacts performs a fresh discovery and lazily yields every retrievable
// artifact of ref. A failed retrieval is yielded with only its Path set. A
// discovery failure is yielded once and ends the sequence.
// The sequence is finite and cannot be restarted; call Artifacts again for a
// new pass.
func Artifacts(ctx context.Context, adapter Adapter, ref SourceReference) iter.Seq2[RawArtifact, error] {
	return func(yield func(RawArtifact, error) bool) {
		candidates, err := adapter.Discover(ctx, ref)
		if err != nil {
			yield(RawArtifact{}, err)
			return
		}
		for r, err := range Retrievals(ctx, adapter, ref, candidates, Once) {
			if err != nil {
				r.Artifact = RawArtifact{Path: r.Candidate.Path}
			}
			if !yield(r.Artifact, err) {
				return
			}
		}
	}
}

func stamp(artifact RawArtifact, ref SourceReference, c Candidate) RawArtifact {
	artifact.ProjectID = ref.ProjectID
	artifact.SourceID = ref.ID
	if artifact.Path == "" {
		artifact.Path = c.Path
	}
	if artifact.ContentType == "" {
		artifact.ContentType = c.ContentType
	}
	return artifact
}
