// Package github implements the repository and GitHub wiki adapters on top of
// the GitHub REST API.
package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	gh "github.com/google/go-github/v80/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/JakeFAU/docharvest/internal/adapter"
	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/policy/ratelimit"
)

// wikiBranch is the branch GitHub uses for wiki repositories.
const wikiBranch = "master"

var (
	docExtensions = map[string]bool{
		".md": true, ".markdown": true, ".rst": true, ".txt": true, ".adoc": true, ".asciidoc": true,
	}
	docNames = map[string]bool{
		"readme": true, "changelog": true, "contributing": true, "install": true, "usage": true, "api": true,
	}
	docDirs = map[string]bool{
		"docs": true, "documentation": true, "doc": true, "wiki": true,
	}
)

// Config controls the GitHub client.
type Config struct {
	Token string
	// BaseURL overrides the API endpoint (GitHub Enterprise, tests).
	BaseURL   string
	UserAgent string
	// MaxBytes truncates blob bodies when positive.
	MaxBytes int64
	Timeout  time.Duration
}

// Client wraps go-github with the harvester's rate limiting and error mapping.
type Client struct {
	gh       *gh.Client
	maxBytes int64
	logger   *zap.Logger
}

// NewClient builds a GitHub client. API calls wait on limiter when it is set.
func NewClient(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var transport http.RoundTripper = http.DefaultTransport
	if limiter != nil {
		transport = ratelimit.NewTransport(transport, limiter)
	}
	if cfg.Token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}),
			Base:   transport,
		}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := gh.NewClient(&http.Client{Transport: transport, Timeout: timeout})
	if cfg.BaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		client.BaseURL = base
	}
	if cfg.UserAgent != "" {
		client.UserAgent = cfg.UserAgent
	}
	return &Client{gh: client, maxBytes: cfg.MaxBytes, logger: logger}, nil
}

// Repo is a parsed repository coordinate.
type Repo struct {
	Owner string
	Name  string
	Wiki  bool
}

// ParseLocation accepts "owner/repo" coordinates and github.com URLs,
// including .git suffixes and /wiki paths.
func ParseLocation(location string) (Repo, error) {
	loc := strings.TrimSpace(location)
	if strings.Contains(loc, "://") {
		u, err := url.Parse(loc)
		if err != nil {
			return Repo{}, fmt.Errorf("parse repository location %q: %w", location, err)
		}
		loc = u.Path
	} else {
		loc = strings.TrimPrefix(loc, "github.com/")
		loc = strings.TrimPrefix(loc, "www.github.com/")
	}
	parts := strings.Split(strings.Trim(loc, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Repo{}, fmt.Errorf("repository location %q is not owner/repo", location)
	}
	repo := Repo{Owner: parts[0], Name: strings.TrimSuffix(parts[1], ".git")}
	if strings.HasSuffix(repo.Name, ".wiki") {
		repo.Name = strings.TrimSuffix(repo.Name, ".wiki")
		repo.Wiki = true
	}
	if len(parts) > 2 && parts[2] == "wiki" {
		repo.Wiki = true
	}
	return repo, nil
}

// IsGitHubLocation reports whether location refers to github.com.
func IsGitHubLocation(location string) bool {
	loc := strings.ToLower(strings.TrimSpace(location))
	if !strings.Contains(loc, "://") {
		if strings.HasPrefix(loc, "github.com/") {
			return true
		}
		parts := strings.Split(strings.Trim(loc, "/"), "/")
		return len(parts) == 2 && !strings.Contains(parts[0], ".")
	}
	u, err := url.Parse(loc)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	return host == "github.com"
}

// Adapter discovers documentation files in a repository or its wiki.
type Adapter struct {
	client *Client
	wiki   bool
}

// New returns the repository adapter.
func New(client *Client) *Adapter {
	return &Adapter{client: client}
}

// NewWiki returns an adapter that reads the wiki repository of a GitHub
// project.
func NewWiki(client *Client) *Adapter {
	return &Adapter{client: client, wiki: true}
}

// Kind implements harvest.Adapter.
func (a *Adapter) Kind() harvest.SourceKind {
	if a.wiki {
		return harvest.KindWiki
	}
	return harvest.KindRepository
}

// Discover implements harvest.Adapter.
func (a *Adapter) Discover(ctx context.Context, ref harvest.SourceReference) ([]harvest.Candidate, error) {
	repo, err := ParseLocation(ref.Location)
	if err != nil {
		return nil, err
	}
	if a.wiki || repo.Wiki {
		return a.client.discoverWiki(ctx, repo, ref.PathPatterns)
	}
	return a.client.discoverRepo(ctx, repo, ref.PathPatterns)
}

// Retrieve implements harvest.Adapter.
func (a *Adapter) Retrieve(
	ctx context.Context,
	ref harvest.SourceReference,
	candidate harvest.Candidate,
) (harvest.RawArtifact, error) {
	repo, err := ParseLocation(ref.Location)
	if err != nil {
		return harvest.RawArtifact{}, err
	}
	if a.wiki {
		repo.Wiki = true
	}
	return a.client.retrieve(ctx, repo, candidate)
}

func (c *Client) discoverRepo(ctx context.Context, repo Repo, patterns []string) ([]harvest.Candidate, error) {
	location := repo.Owner + "/" + repo.Name
	r, _, err := c.gh.Repositories.Get(ctx, repo.Owner, repo.Name)
	if err != nil {
		return nil, classify(location, err)
	}
	branch := r.GetDefaultBranch()
	if branch == "" {
		branch = "HEAD"
	}
	tree, _, err := c.gh.Git.GetTree(ctx, repo.Owner, repo.Name, branch, true)
	if err != nil {
		if isEmptyRepository(err) {
			return nil, nil
		}
		return nil, classify(location, err)
	}
	if tree.GetTruncated() {
		c.logger.Warn("repository tree truncated", zap.String("repo", location))
	}
	out := make([]harvest.Candidate, 0)
	for _, entry := range tree.Entries {
		if entry.GetType() != "blob" {
			continue
		}
		p := entry.GetPath()
		if !isRepositoryDoc(p, patterns) {
			continue
		}
		out = append(out, harvest.Candidate{
			Path:        p,
			Locator:     entry.GetSHA(),
			ContentType: adapter.ContentTypeForPath(p),
			Size:        int64(entry.GetSize()),
		})
	}
	sortCandidates(out)
	c.logger.Debug("repository discovered", zap.String("repo", location), zap.Int("documents", len(out)))
	return out, nil
}

func (c *Client) discoverWiki(ctx context.Context, repo Repo, patterns []string) ([]harvest.Candidate, error) {
	location := repo.Owner + "/" + repo.Name
	r, _, err := c.gh.Repositories.Get(ctx, repo.Owner, repo.Name)
	if err != nil {
		return nil, classify(location, err)
	}
	if !r.GetHasWiki() {
		return nil, nil
	}
	tree, _, err := c.gh.Git.GetTree(ctx, repo.Owner, repo.Name+".wiki", wikiBranch, true)
	if err != nil {
		// Wikis without pages have no backing repository.
		if isNotFound(err) || isEmptyRepository(err) {
			return nil, nil
		}
		return nil, classify(location+".wiki", err)
	}
	out := make([]harvest.Candidate, 0)
	for _, entry := range tree.Entries {
		if entry.GetType() != "blob" {
			continue
		}
		p := entry.GetPath()
		if !docExtensions[strings.ToLower(path.Ext(p))] || !adapter.MatchPatterns(p, patterns) {
			continue
		}
		out = append(out, harvest.Candidate{
			Path:        p,
			Locator:     entry.GetSHA(),
			ContentType: adapter.ContentTypeForPath(p),
			Size:        int64(entry.GetSize()),
		})
	}
	sortCandidates(out)
	return out, nil
}

func (c *Client) retrieve(ctx context.Context, repo Repo, candidate harvest.Candidate) (harvest.RawArtifact, error) {
	name := repo.Name
	pageURL := fmt.Sprintf("https://github.com/%s/%s/blob/HEAD/%s", repo.Owner, repo.Name, candidate.Path)
	if repo.Wiki {
		name += ".wiki"
		page := strings.TrimSuffix(candidate.Path, path.Ext(candidate.Path))
		pageURL = fmt.Sprintf("https://github.com/%s/%s/wiki/%s", repo.Owner, repo.Name, page)
	}
	blob, _, err := c.gh.Git.GetBlob(ctx, repo.Owner, name, candidate.Locator)
	if err != nil {
		return harvest.RawArtifact{}, classify(pageURL, err)
	}
	body, err := decodeBlob(blob)
	if err != nil {
		return harvest.RawArtifact{}, fmt.Errorf("decode blob %s: %w", candidate.Path, err)
	}
	body, truncated := adapter.Truncate(body, c.maxBytes)
	return harvest.RawArtifact{
		Path:        candidate.Path,
		URL:         pageURL,
		ContentType: candidate.ContentType,
		Body:        body,
		Truncated:   truncated,
	}, nil
}

func decodeBlob(blob *gh.Blob) ([]byte, error) {
	if blob.GetEncoding() != "base64" {
		return []byte(blob.GetContent()), nil
	}
	content := strings.NewReplacer("\n", "", "\r", "").Replace(blob.GetContent())
	return base64.StdEncoding.DecodeString(content)
}

func isRepositoryDoc(p string, patterns []string) bool {
	base := path.Base(p)
	ext := strings.ToLower(path.Ext(base))
	stem := strings.ToLower(strings.TrimSuffix(base, path.Ext(base)))
	if !docExtensions[ext] && !docNames[stem] {
		return false
	}
	if len(patterns) > 0 {
		return adapter.MatchPatterns(p, patterns)
	}
	dir, _, nested := strings.Cut(p, "/")
	if !nested {
		return strings.HasPrefix(stem, "readme")
	}
	return docDirs[strings.ToLower(dir)]
}

func sortCandidates(candidates []harvest.Candidate) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Path < candidates[j].Path })
}

// classify maps go-github errors onto the harvest fetch taxonomy. Rate limit
// rejections are transient even though GitHub reports them as 403.
func classify(location string, err error) error {
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return &harvest.FetchError{
			Kind: harvest.FetchUnreachable, Location: location, Transient: true,
			Status: statusOf(rateErr.Response), Err: err,
		}
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &harvest.FetchError{
			Kind: harvest.FetchUnreachable, Location: location, Transient: true,
			Status: statusOf(abuseErr.Response), Err: err,
		}
	}
	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		if statusErr := harvest.ClassifyStatus(location, respErr.Response.StatusCode); statusErr != nil {
			var fe *harvest.FetchError
			if errors.As(statusErr, &fe) {
				fe.Err = err
			}
			return statusErr
		}
	}
	return harvest.ClassifyError(location, err)
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func isNotFound(err error) bool {
	var respErr *gh.ErrorResponse
	return errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.StatusCode == http.StatusNotFound
}

// isEmptyRepository matches the 409 GitHub returns for trees of empty repos.
func isEmptyRepository(err error) bool {
	var respErr *gh.ErrorResponse
	return errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.StatusCode == http.StatusConflict
}
