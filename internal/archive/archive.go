// Package archive writes canonical document bodies to a content-addressed
// blob store whenever a document is new or changed.
package archive

import (
	"context"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/metrics"
)

const contentType = "text/plain; charset=utf-8"

// Archiver stores snapshot bodies under
// <prefix>/<project>/<source>/<fingerprint>.txt.
type Archiver struct {
	blobs  harvest.BlobStore
	prefix string
	logger *zap.Logger
}

// New returns an Archiver writing to blobs. A nil blobs disables archiving.
func New(blobs harvest.BlobStore, prefix string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		blobs:  blobs,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// Key returns the object path for snap.
func (a *Archiver) Key(snap harvest.Snapshot) string {
	doc := snap.Document
	return path.Join(a.prefix, doc.ProjectID, doc.SourceID, snap.Fingerprint+".txt")
}

// Archive writes the body of snap. Failures are logged and counted; the
// returned URI is empty when nothing was written.
func (a *Archiver) Archive(ctx context.Context, snap harvest.Snapshot) string {
	if a == nil || a.blobs == nil || snap.Fingerprint == "" {
		return ""
	}
	key := a.Key(snap)
	uri, err := a.blobs.PutObject(ctx, key, contentType, []byte(snap.Document.Body))
	if err != nil {
		metrics.ObserveArchiveFailure()
		a.logger.Warn("archive document failed",
			zap.String("project", snap.Document.ProjectID),
			zap.String("source", snap.Document.SourceID),
			zap.String("path", snap.Document.Path),
			zap.String("object", key),
			zap.Error(err),
		)
		return ""
	}
	a.logger.Debug("archived document", zap.String("uri", uri))
	return uri
}
