package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Protocol constants for the Blob service REST dialect.
const (
	DefaultAPIVersion = "2020-06-12"

	headerDate      = "x-ms-date"
	headerVersion   = "x-ms-version"
	headerBlobType  = "x-ms-blob-type"
	headerRequestID = "x-ms-request-id"
	headerErrorCode = "x-ms-error-code"
	headerETag      = "ETag"
	headerIfMatch   = "If-Match"
	headerIfNone    = "If-None-Match"

	blockBlob = "BlockBlob"
)

// ErrEmptyPath is returned when an object operation is given the root path.
var ErrEmptyPath = errors.New("blob: empty object path")

// Locator resolves logical slash-delimited paths to absolute backend URLs.
// It is the only place that knows how a deployment lays out its store.
type Locator interface {
	// Resolve returns the URL of the object at path.
	Resolve(path string) (*url.URL, error)
	// ListURL returns the listing URL for dir ("" is the root) and the
	// scope its response must be parsed with.
	ListURL(dir string) (*url.URL, Scope, error)
}

// cleanPath strips leading and trailing slashes; "" means root.
func cleanPath(p string) string {
	return strings.Trim(p, "/")
}

// encodePathSegments URL-encodes each segment of a slash-separated path so
// characters like #, ? and % survive interpolation into a URL.
func encodePathSegments(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}

// joinObject appends an object path to base. Relative segments are
// rejected so a path can never climb out of the base location.
func joinObject(base *url.URL, path string) (*url.URL, error) {
	clean := cleanPath(path)
	if clean == "" {
		return nil, ErrEmptyPath
	}

	for _, seg := range strings.Split(clean, "/") {
		if seg == "." || seg == ".." {
			return nil, fmt.Errorf("blob: path %q contains a relative segment", path)
		}
	}

	return base.JoinPath(encodePathSegments(clean)), nil
}

// parseBaseURL validates an absolute http(s) base location.
func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("blob: parsing base URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("blob: base URL %q must be http or https", raw)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("blob: base URL %q has no host", raw)
	}

	u.Path = "/" + cleanPath(u.Path)
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""

	return u, nil
}

// listDelimiter folds deeper blob names into virtual directory entries, so
// a listing holds only the direct children of the listed directory.
const listDelimiter = "/"

// ContainerLocator resolves paths relative to a single container URL such
// as https://acct.blob.core.windows.net/vaults. Sub-directories are virtual:
// listing one selects blobs by name prefix.
type ContainerLocator struct {
	base *url.URL
}

// NewContainerLocator parses the container URL.
func NewContainerLocator(containerURL string) (*ContainerLocator, error) {
	u, err := parseBaseURL(containerURL)
	if err != nil {
		return nil, err
	}

	if cleanPath(u.Path) == "" {
		return nil, fmt.Errorf("blob: container URL %q names no container", containerURL)
	}

	return &ContainerLocator{base: u}, nil
}

func (l *ContainerLocator) Resolve(path string) (*url.URL, error) {
	return joinObject(l.base, path)
}

func (l *ContainerLocator) ListURL(dir string) (*url.URL, Scope, error) {
	u := *l.base
	q := url.Values{}
	q.Set("restype", "container")
	q.Set("comp", "list")
	q.Set("delimiter", listDelimiter)

	clean := cleanPath(dir)
	if clean != "" {
		q.Set("prefix", clean+"/")
	}

	u.RawQuery = q.Encode()

	return &u, Scope{Dir: clean, Prefixed: true}, nil
}

// AccountLocator resolves paths against a bare account host such as
// https://acct.blob.core.windows.net. The first path segment names the
// container; root listings enumerate containers.
type AccountLocator struct {
	base *url.URL
}

// NewAccountLocator parses the account URL.
func NewAccountLocator(accountURL string) (*AccountLocator, error) {
	u, err := parseBaseURL(accountURL)
	if err != nil {
		return nil, err
	}

	return &AccountLocator{base: u}, nil
}

func (l *AccountLocator) Resolve(path string) (*url.URL, error) {
	return joinObject(l.base, path)
}

func (l *AccountLocator) ListURL(dir string) (*url.URL, Scope, error) {
	q := url.Values{}
	q.Set("comp", "list")

	clean := cleanPath(dir)
	if clean == "" {
		u := *l.base
		u.RawQuery = q.Encode()

		return &u, Scope{}, nil
	}

	if strings.Contains(clean, "/") || clean == "." || clean == ".." {
		return nil, Scope{}, fmt.Errorf("blob: %q is not a container name", dir)
	}

	q.Set("restype", "container")
	q.Set("delimiter", listDelimiter)

	u := l.base.JoinPath(url.PathEscape(clean))
	u.RawQuery = q.Encode()

	return u, Scope{Dir: clean}, nil
}

// RequestBuilder builds one *http.Request per storage operation, with the
// headers every Blob service call requires.
type RequestBuilder struct {
	locator    Locator
	apiVersion string
	userAgent  string

	// now supplies the x-ms-date timestamp. Tests pin it.
	now func() time.Time
}

// NewRequestBuilder creates a builder. An empty apiVersion selects
// DefaultAPIVersion.
func NewRequestBuilder(locator Locator, apiVersion, userAgent string) *RequestBuilder {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}

	return &RequestBuilder{
		locator:    locator,
		apiVersion: apiVersion,
		userAgent:  userAgent,
		now:        time.Now,
	}
}

func (b *RequestBuilder) newRequest(ctx context.Context, method string, u *url.URL, body []byte) (*http.Request, error) {
	var req *http.Request

	var err error

	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), http.NoBody)
	}

	if err != nil {
		return nil, fmt.Errorf("blob: creating request: %w", err)
	}

	req.Header.Set(headerDate, b.now().UTC().Format(http.TimeFormat))
	req.Header.Set(headerVersion, b.apiVersion)

	if b.userAgent != "" {
		req.Header.Set("User-Agent", b.userAgent)
	}

	return req, nil
}

func (b *RequestBuilder) objectRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	u, err := b.locator.Resolve(path)
	if err != nil {
		return nil, err
	}

	return b.newRequest(ctx, method, u, body)
}

// Load builds a GET for the blob content.
func (b *RequestBuilder) Load(ctx context.Context, path string) (*http.Request, error) {
	return b.objectRequest(ctx, http.MethodGet, path, nil)
}

// Stat builds a HEAD for the blob properties.
func (b *RequestBuilder) Stat(ctx context.Context, path string) (*http.Request, error) {
	return b.objectRequest(ctx, http.MethodHead, path, nil)
}

// Save builds a conditional block blob PUT. An empty expected revision
// sends no If-Match header.
func (b *RequestBuilder) Save(ctx context.Context, path string, content []byte, expected string) (*http.Request, error) {
	if content == nil {
		content = []byte{}
	}

	req, err := b.objectRequest(ctx, http.MethodPut, path, content)
	if err != nil {
		return nil, err
	}

	req.Header.Set(headerBlobType, blockBlob)
	req.Header.Set("Content-Type", "application/octet-stream")

	if expected != "" {
		req.Header.Set(headerIfMatch, expected)
	}

	return req, nil
}

// Create builds a block blob PUT that only succeeds when no blob exists at
// path yet (If-None-Match: *).
func (b *RequestBuilder) Create(ctx context.Context, path string, content []byte) (*http.Request, error) {
	req, err := b.Save(ctx, path, content, "")
	if err != nil {
		return nil, err
	}

	req.Header.Set(headerIfNone, "*")

	return req, nil
}

// List builds a listing GET for dir and returns the scope to parse the
// response with. marker continues a previous page.
func (b *RequestBuilder) List(ctx context.Context, dir, marker string) (*http.Request, Scope, error) {
	u, scope, err := b.locator.ListURL(dir)
	if err != nil {
		return nil, Scope{}, err
	}

	if marker != "" {
		q := u.Query()
		q.Set("marker", marker)
		u.RawQuery = q.Encode()
	}

	req, err := b.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, Scope{}, err
	}

	return req, scope, nil
}

// Remove builds a DELETE for the blob.
func (b *RequestBuilder) Remove(ctx context.Context, path string) (*http.Request, error) {
	return b.objectRequest(ctx, http.MethodDelete, path, nil)
}
