package wiki

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

type recordingSource struct {
	name string
	seen []string
}

func (r *recordingSource) Kind() harvest.SourceKind { return harvest.KindWiki }

func (r *recordingSource) Discover(_ context.Context, ref harvest.SourceReference) ([]harvest.Candidate, error) {
	r.seen = append(r.seen, ref.Location)
	return []harvest.Candidate{{Path: r.name}}, nil
}

func (r *recordingSource) Retrieve(
	_ context.Context,
	ref harvest.SourceReference,
	c harvest.Candidate,
) (harvest.RawArtifact, error) {
	r.seen = append(r.seen, ref.Location)
	return harvest.RawArtifact{Path: c.Path, Body: []byte(r.name)}, nil
}

func TestWikiRoutesByLocation(t *testing.T) {
	t.Parallel()

	gh := &recordingSource{name: "github"}
	site := &recordingSource{name: "site"}
	a := New(gh, site)
	require.Equal(t, harvest.KindWiki, a.Kind())

	candidates, err := a.Discover(context.Background(), harvest.SourceReference{Location: "https://github.com/acme/chain/wiki"})
	require.NoError(t, err)
	require.Equal(t, "github", candidates[0].Path)

	candidates, err = a.Discover(context.Background(), harvest.SourceReference{Location: "https://acme.notion.site/Docs-42"})
	require.NoError(t, err)
	require.Equal(t, "site", candidates[0].Path)

	artifact, err := a.Retrieve(context.Background(), harvest.SourceReference{Location: "https://wiki.acme.org/"}, candidates[0])
	require.NoError(t, err)
	require.Equal(t, "site", string(artifact.Body))

	require.Len(t, gh.seen, 1)
	require.Len(t, site.seen, 2)
}

func TestWikiMissingBackend(t *testing.T) {
	t.Parallel()

	a := New(nil, nil)
	_, err := a.Discover(context.Background(), harvest.SourceReference{Location: "acme/chain"})
	require.True(t, harvest.IsFetchKind(err, harvest.FetchUnreachable))
	require.False(t, harvest.IsRetryable(err))

	_, err = a.Retrieve(context.Background(), harvest.SourceReference{Location: "https://wiki.acme.org/"}, harvest.Candidate{})
	require.ErrorIs(t, err, errNoBackend)
}
