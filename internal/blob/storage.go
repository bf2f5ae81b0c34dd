package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/RaysceneNS/keeweb-azure/internal/metrics"
)

// vaultExt is the file extension of vault databases.
const vaultExt = ".kdbx"

// PathForName returns the remote path under which a vault called name is stored.
func PathForName(name string) string {
	return "/" + name + vaultExt
}

// Object is the content of a blob and the revision it was read at.
type Object struct {
	Content  []byte
	Revision string
}

// Stat holds the properties returned by a stat call.
type Stat struct {
	Revision string
}

// Options configures a Storage.
type Options struct {
	Locator    Locator      // required
	Auth       AuthProvider // required
	HTTPClient *http.Client // attaches the bearer token; nil uses http.DefaultClient
	APIVersion string
	UserAgent  string
	Logger     *slog.Logger

	// UngatedRemove issues deletes without asking the AuthProvider first.
	UngatedRemove bool
}

// Storage is the file-style facade over one blob store. It keeps no state
// between calls: the remote store is the only source of truth, and the
// backend's If-Match check is the only concurrency control.
type Storage struct {
	gate          *TokenGate
	builder       *RequestBuilder
	transport     *transport
	logger        *slog.Logger
	ungatedRemove bool
}

// New creates a Storage from opts.
func New(opts Options) (*Storage, error) {
	if opts.Locator == nil {
		return nil, errors.New("blob: locator is required")
	}

	if opts.Auth == nil {
		return nil, errors.New("blob: auth provider is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Storage{
		gate:          NewTokenGate(opts.Auth, logger),
		builder:       NewRequestBuilder(opts.Locator, opts.APIVersion, opts.UserAgent),
		transport:     &transport{httpClient: httpClient, logger: logger},
		logger:        logger,
		ungatedRemove: opts.UngatedRemove,
	}, nil
}

// Load reads the blob at path with its current revision.
func (s *Storage) Load(ctx context.Context, path string) (*Object, error) {
	start := time.Now()
	s.logger.Debug("load", slog.String("path", path))

	var obj *Object

	err := s.gate.WithValidToken(ctx, func(ctx context.Context) error {
		req, err := s.builder.Load(ctx, path)
		if err != nil {
			return err
		}

		resp, err := s.transport.do(req, http.StatusNotFound)
		if err != nil {
			return err
		}

		c := ClassifyRead(resp.StatusCode, resp.Header.Get(headerETag))
		if err := c.Err("load", path); err != nil {
			drain(resp)
			return err
		}

		defer resp.Body.Close()

		content, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("blob: reading %s: %w", path, err)
		}

		metrics.AddBytes("in", len(content))
		obj = &Object{Content: content, Revision: c.Revision}

		return nil
	})

	s.finish("load", path, start, err, revisionOf(obj))

	return obj, err
}

// Stat returns the current revision of the blob at path. A success response
// without a revision is an error, never an empty revision.
func (s *Storage) Stat(ctx context.Context, path string) (*Stat, error) {
	start := time.Now()
	s.logger.Debug("stat", slog.String("path", path))

	var st *Stat

	err := s.gate.WithValidToken(ctx, func(ctx context.Context) error {
		req, err := s.builder.Stat(ctx, path)
		if err != nil {
			return err
		}

		resp, err := s.transport.do(req, http.StatusNotFound)
		if err != nil {
			return err
		}

		drain(resp)

		c := ClassifyRead(resp.StatusCode, resp.Header.Get(headerETag))
		if err := c.Err("stat", path); err != nil {
			return err
		}

		st = &Stat{Revision: c.Revision}

		return nil
	})

	rev := ""
	if st != nil {
		rev = st.Revision
	}

	s.finish("stat", path, start, err, rev)

	return st, err
}

// Save writes content to path if the remote revision still equals expected,
// and returns the new revision. An empty expected revision writes without a
// condition. A stale expected revision yields a *ConflictError carrying the
// revision found on the conflicting response.
func (s *Storage) Save(ctx context.Context, path string, content []byte, expected string) (string, error) {
	return s.write(ctx, "save", path, content, expected, func(ctx context.Context) (*http.Request, error) {
		return s.builder.Save(ctx, path, content, expected)
	})
}

// Create writes content to path only if no blob exists there yet, and
// returns the new revision. An existing blob yields a *ConflictError; the
// check happens on the backend, so two concurrent creates cannot both win.
func (s *Storage) Create(ctx context.Context, path string, content []byte) (string, error) {
	return s.write(ctx, "create", path, content, "", func(ctx context.Context) (*http.Request, error) {
		return s.builder.Create(ctx, path, content)
	})
}

// write runs one PUT built by build and classifies the outcome against
// expected.
func (s *Storage) write(ctx context.Context, op, path string, content []byte, expected string,
	build func(ctx context.Context) (*http.Request, error),
) (string, error) {
	start := time.Now()
	s.logger.Debug(op,
		slog.String("path", path),
		slog.String("expected_rev", expected),
		slog.Int("size", len(content)),
	)

	var rev string

	err := s.gate.WithValidToken(ctx, func(ctx context.Context) error {
		req, err := build(ctx)
		if err != nil {
			return err
		}

		resp, err := s.transport.do(req, http.StatusConflict, http.StatusPreconditionFailed)
		if err != nil {
			return err
		}

		drain(resp)

		c := ClassifyWrite(resp.StatusCode, resp.Header.Get(headerETag), expected)
		if err := c.Err(op, path); err != nil {
			return err
		}

		metrics.AddBytes("out", len(content))
		rev = c.Revision

		return nil
	})

	if cr, ok := ConflictRevision(err); ok {
		rev = cr
	}

	s.finish(op, path, start, err, rev)

	if err != nil {
		return "", err
	}

	return rev, nil
}

// List returns the entries of dir ("" or "/" for the root) in backend
// order, following continuation pages. An empty directory yields an empty
// slice; an unreadable listing yields an error.
func (s *Storage) List(ctx context.Context, dir string) ([]Entry, error) {
	start := time.Now()
	s.logger.Debug("list", slog.String("dir", dir))

	var entries []Entry

	err := s.gate.WithValidToken(ctx, func(ctx context.Context) error {
		var err error

		entries, err = s.listPages(ctx, dir)

		return err
	})

	s.finish("list", dir, start, err, "")

	if err != nil {
		return nil, err
	}

	s.logger.Debug("listed", slog.String("dir", dir), slog.Int("count", len(entries)))

	return entries, nil
}

func (s *Storage) listPages(ctx context.Context, dir string) ([]Entry, error) {
	entries := []Entry{}
	marker := ""

	for page := 1; ; page++ {
		req, scope, err := s.builder.List(ctx, dir, marker)
		if err != nil {
			return nil, err
		}

		resp, err := s.transport.do(req)
		if err != nil {
			return nil, err
		}

		doc, err := io.ReadAll(resp.Body)
		resp.Body.Close()

		if err != nil {
			return nil, fmt.Errorf("blob: reading listing of %q: %w", dir, err)
		}

		listing, err := ParseListing(doc, scope)
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				pe.Path = dir
			}

			return nil, err
		}

		entries = append(entries, listing.Entries...)

		s.logger.Debug("fetched listing page",
			slog.Int("page", page),
			slog.Int("count", len(listing.Entries)),
		)

		if listing.NextMarker == "" {
			return entries, nil
		}

		if listing.NextMarker == marker {
			return nil, &ProtocolError{Op: "list", Path: dir,
				Reason: fmt.Errorf("%w: continuation marker repeated", ErrMalformedListing)}
		}

		marker = listing.NextMarker
	}
}

// Remove deletes the blob at path. A missing blob yields ErrNotFound, which
// callers that only want the blob gone may ignore.
func (s *Storage) Remove(ctx context.Context, path string) error {
	start := time.Now()
	s.logger.Debug("remove", slog.String("path", path))

	op := func(ctx context.Context) error {
		req, err := s.builder.Remove(ctx, path)
		if err != nil {
			return err
		}

		resp, err := s.transport.do(req, http.StatusNotFound)
		if err != nil {
			return err
		}

		drain(resp)

		if resp.StatusCode == http.StatusNotFound {
			return &notFoundError{path: path}
		}

		return nil
	}

	var err error
	if s.ungatedRemove {
		err = op(ctx)
	} else {
		err = s.gate.WithValidToken(ctx, op)
	}

	s.finish("remove", path, start, err, "")

	return err
}

// Logout revokes the access token. It never fails from the caller's view.
func (s *Storage) Logout(ctx context.Context) {
	s.logger.Debug("logout")
	s.gate.Revoke(ctx)
}

// finish logs and records the classified outcome of one operation.
func (s *Storage) finish(op, path string, start time.Time, err error, rev string) {
	elapsed := time.Since(start)
	outcome := ErrorClass(err)
	metrics.ObserveOperation(op, outcome, elapsed)

	attrs := []any{
		slog.String("path", path),
		slog.Duration("elapsed", elapsed),
	}

	if rev != "" {
		attrs = append(attrs, slog.String("rev", rev))
	}

	switch outcome {
	case "ok":
		s.logger.Debug(op+" done", attrs...)
	case "not_found", "conflict":
		s.logger.Debug(op+" "+outcome, attrs...)
	default:
		attrs = append(attrs, slog.String("error", err.Error()))
		s.logger.Error(op+" failed", attrs...)
	}
}

// ErrorClass names the class of err for logs and metrics.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRevisionConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	default:
		return "transport"
	}
}

func revisionOf(obj *Object) string {
	if obj == nil {
		return ""
	}

	return obj.Revision
}
