package hosteddocs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/adapter/web"
	collyfetcher "github.com/JakeFAU/docharvest/internal/fetcher/colly"
	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/headless/detector"
)

type countingHeadless struct {
	calls atomic.Int32
}

func (c *countingHeadless) Fetch(_ context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	c.calls.Add(1)
	return harvest.FetchResponse{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte("<main><h1>Rendered</h1><p>Client side content</p></main>"),
	}, nil
}

func newDocsServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<html><body><nav><a href="/intro">Intro</a><a href="/gitbook">Book</a></nav></body></html>`)
		case "/intro":
			fmt.Fprint(w, `<html><body><main><h1>Intro</h1><p>Welcome to the chain docs.</p></main></body></html>`)
		case "/gitbook":
			fmt.Fprint(w, `<html><head><meta name="generator" content="GitBook 3.2.3"></head>`+
				`<body><div class="gitbook-root"></div></body></html>`)
		default:
			http.NotFound(w, r)
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestHostedDocsCrawlAndPromote(t *testing.T) {
	t.Parallel()

	server := newDocsServer(t)
	fetcher := collyfetcher.New(collyfetcher.Config{}, nil)
	rendered := &countingHeadless{}
	pages := web.NewPages(fetcher, rendered, detector.NewHeuristic(0), 0, zap.NewNop())
	a := New(web.NewSite(pages, fetcher, web.SiteConfig{}, zap.NewNop()))
	require.Equal(t, harvest.KindHostedDocs, a.Kind())

	ref := harvest.SourceReference{ID: "docs", ProjectID: "chain", Kind: harvest.KindHostedDocs, Location: server.URL}
	candidates, err := a.Discover(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	require.Equal(t, "/", candidates[0].Path)
	require.Equal(t, "/gitbook", candidates[1].Path)
	require.Equal(t, "/intro", candidates[2].Path)

	intro, err := a.Retrieve(context.Background(), ref, candidates[2])
	require.NoError(t, err)
	require.Contains(t, string(intro.Body), "Welcome to the chain docs.")

	before := rendered.calls.Load()
	book, err := a.Retrieve(context.Background(), ref, candidates[1])
	require.NoError(t, err)
	require.Contains(t, string(book.Body), "Client side content")
	require.Equal(t, before+1, rendered.calls.Load())
}
