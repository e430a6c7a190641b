package export

import (
	"context"
	"fmt"
	"io"
	"time"
)

// RemoteSource is one cloud service as seen by the worker pool. Errors must
// wrap one of ErrAuth, ErrRateLimited, ErrNotFound, ErrTransientIO or
// ErrPermanent; anything else is retried as transient.
type RemoteSource interface {
	// Roots returns the top-level nodes this source contributes to a job.
	Roots(ctx context.Context) ([]Node, error)
	// List returns every child of a container, following pagination.
	List(ctx context.Context, container Node) ([]Node, error)
	// Fetch opens a leaf's content. The caller closes Body.
	Fetch(ctx context.Context, leaf Node) (*Content, error)
}

// Reauthenticator is implemented by sources that can refresh credentials
// after an ErrAuth failure.
type Reauthenticator interface {
	Reauthenticate(ctx context.Context) error
}

// Content is an open leaf body.
type Content struct {
	Body     io.ReadCloser
	Digest   string    // version token at fetch time; empty keeps the listed one
	MD5      string    // expected hex MD5 of Body; empty when the service publishes none
	Size     int64     // SizeUnknown when the response has no length
	Modified time.Time // zero keeps the listed modified time
}

// Committed describes a file durably written by a LocalSink.
type Committed struct {
	Path string // absolute path of the committed file
	Size int64
	MD5  string // hex MD5 of the bytes written
}

// LocalSink stores fetched content under the job's output root.
type LocalSink interface {
	// Write stores body at relPath atomically: a partially written file is
	// never visible under relPath.
	Write(ctx context.Context, relPath string, body io.Reader, modTime time.Time) (Committed, error)
}

// Exister is implemented by sinks that can tell whether a previously
// committed file is still present.
type Exister interface {
	Exists(relPath string) bool
}

// DirMaker is implemented by sinks that materialise containers as
// directories, so empty folders and albums survive the export.
type DirMaker interface {
	EnsureDir(ctx context.Context, relPath string) error
}

// Sources maps service tags to the RemoteSource that serves them. One source
// may serve several tags, e.g. Drive serving drive, sheets and slides nodes.
type Sources struct {
	bySvc map[Service]RemoteSource
	order []RemoteSource
}

// NewSources returns an empty registry.
func NewSources() *Sources {
	return &Sources{bySvc: make(map[Service]RemoteSource)}
}

// Register binds src to each of services.
func (s *Sources) Register(src RemoteSource, services ...Service) {
	seen := false

	for _, r := range s.order {
		if r == src {
			seen = true
			break
		}
	}

	if !seen {
		s.order = append(s.order, src)
	}

	for _, svc := range services {
		s.bySvc[svc] = src
	}
}

// For returns the source serving svc.
func (s *Sources) For(svc Service) (RemoteSource, error) {
	src, ok := s.bySvc[svc]
	if !ok {
		return nil, fmt.Errorf("export: no source registered for service %q: %w", svc, ErrPermanent)
	}

	return src, nil
}

// All returns each distinct source once, in registration order.
func (s *Sources) All() []RemoteSource {
	return s.order
}
