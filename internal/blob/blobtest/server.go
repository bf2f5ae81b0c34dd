// Package blobtest provides an in-process fake of the Blob service REST
// endpoint for tests. It enforces the conditional-write rules the real
// service applies (If-Match, If-None-Match) and issues a fresh ETag on every
// successful write.
package blobtest

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Request is a recorded incoming request.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
}

type storedBlob struct {
	content []byte
	etag    string
}

type container struct {
	etag  string
	blobs map[string]*storedBlob
}

// Server is a fake Blob service. Containers live under the first path
// segment, as on a real account endpoint.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	containers map[string]*container
	seq        int
	requests   []Request

	// PageSize limits blobs per listing page; 0 means unlimited.
	PageSize int
	// OmitETag drops the ETag header from every response.
	OmitETag bool
	// Token, when set, is the bearer token every request must carry.
	Token string
	// Override, when set, answers requests before the fake does. Returning
	// false lets the fake handle the request.
	Override func(w http.ResponseWriter, r *http.Request) bool
}

// NewServer starts a fake with the named containers already created.
// The server is closed by t.Cleanup.
func NewServer(t *testing.T, containers ...string) *Server {
	t.Helper()

	s := &Server{containers: make(map[string]*container)}
	for _, name := range containers {
		s.CreateContainer(name)
	}

	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)

	return s
}

// ContainerURL returns the URL of the named container.
func (s *Server) ContainerURL(name string) string {
	return s.URL + "/" + name
}

// CreateContainer adds an empty container.
func (s *Server) CreateContainer(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.containers[name] = &container{etag: s.nextETag(), blobs: make(map[string]*storedBlob)}
}

// Put stores a blob directly, bypassing conditions, and returns its ETag.
func (s *Server) Put(containerName, name string, content []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.containers[containerName]
	if !ok {
		c = &container{etag: s.nextETag(), blobs: make(map[string]*storedBlob)}
		s.containers[containerName] = c
	}

	b := &storedBlob{content: append([]byte(nil), content...), etag: s.nextETag()}
	c.blobs[name] = b

	return b.etag
}

// Get returns a stored blob's content and ETag.
func (s *Server) Get(containerName, name string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.containers[containerName]
	if !ok {
		return nil, "", false
	}

	b, ok := c.blobs[name]
	if !ok {
		return nil, "", false
	}

	return append([]byte(nil), b.content...), b.etag, true
}

// Requests returns the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Request(nil), s.requests...)
}

// nextETag must be called with mu held.
func (s *Server) nextETag() string {
	s.seq++
	return fmt.Sprintf("\"0x8D%013X\"", s.seq)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
	})
	s.mu.Unlock()

	if s.Override != nil && s.Override(w, r) {
		return
	}

	if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
		writeError(w, http.StatusUnauthorized, "InvalidAuthenticationInfo", "Server failed to authenticate the request.")
		return
	}

	if r.Header.Get("x-ms-version") == "" || r.Header.Get("x-ms-date") == "" {
		writeError(w, http.StatusBadRequest, "MissingRequiredHeader", "An HTTP header that's mandatory for this request is not specified.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	containerName, blobName, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	q := r.URL.Query()

	switch {
	case containerName == "" && r.Method == http.MethodGet && q.Get("comp") == "list":
		s.listContainers(w)
	case blobName == "" && r.Method == http.MethodGet && q.Get("restype") == "container" && q.Get("comp") == "list":
		s.listBlobs(w, containerName, q)
	case blobName == "":
		writeError(w, http.StatusBadRequest, "InvalidUri", "The requested URI does not represent any resource on the server.")
	default:
		s.handleBlob(w, r, containerName, blobName)
	}
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request, containerName, blobName string) {
	c, ok := s.containers[containerName]
	if !ok {
		writeError(w, http.StatusNotFound, "ContainerNotFound", "The specified container does not exist.")
		return
	}

	b, exists := c.blobs[blobName]

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		if !exists {
			writeError(w, http.StatusNotFound, "BlobNotFound", "The specified blob does not exist.")
			return
		}

		s.setETag(w, b.etag)
		w.Header().Set("Content-Length", strconv.Itoa(len(b.content)))
		w.WriteHeader(http.StatusOK)

		if r.Method == http.MethodGet {
			_, _ = w.Write(b.content)
		}
	case http.MethodPut:
		s.putBlob(w, r, c, blobName, b)
	case http.MethodDelete:
		if !exists {
			writeError(w, http.StatusNotFound, "BlobNotFound", "The specified blob does not exist.")
			return
		}

		delete(c.blobs, blobName)
		w.WriteHeader(http.StatusAccepted)
	default:
		writeError(w, http.StatusMethodNotAllowed, "UnsupportedHttpVerb", "The resource doesn't support the specified HTTP verb.")
	}
}

func (s *Server) putBlob(w http.ResponseWriter, r *http.Request, c *container, name string, current *storedBlob) {
	if r.Header.Get("x-ms-blob-type") != "BlockBlob" {
		writeError(w, http.StatusBadRequest, "MissingRequiredHeader", "x-ms-blob-type is required.")
		return
	}

	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
		if current == nil || (ifMatch != "*" && ifMatch != current.etag) {
			if current != nil {
				s.setETag(w, current.etag)
			}

			writeError(w, http.StatusPreconditionFailed, "ConditionNotMet",
				"The condition specified using HTTP conditional header(s) is not met.")
			return
		}
	}

	if r.Header.Get("If-None-Match") == "*" && current != nil {
		s.setETag(w, current.etag)
		writeError(w, http.StatusConflict, "BlobAlreadyExists", "The specified blob already exists.")

		return
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInput", err.Error())
		return
	}

	b := &storedBlob{content: content, etag: s.nextETag()}
	c.blobs[name] = b

	s.setETag(w, b.etag)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) setETag(w http.ResponseWriter, etag string) {
	if !s.OmitETag {
		w.Header().Set("ETag", etag)
	}
}

type enumerationResults struct {
	XMLName       xml.Name       `xml:"EnumerationResults"`
	Endpoint      string         `xml:"ServiceEndpoint,attr,omitempty"`
	ContainerName string         `xml:"ContainerName,attr,omitempty"`
	Prefix        string         `xml:"Prefix,omitempty"`
	Marker        string         `xml:"Marker,omitempty"`
	MaxResults    int            `xml:"MaxResults,omitempty"`
	Delimiter     string         `xml:"Delimiter,omitempty"`
	Containers    *containerList `xml:"Containers,omitempty"`
	Blobs         *blobList      `xml:"Blobs,omitempty"`
	NextMarker    string         `xml:"NextMarker"`
}

type containerList struct {
	Items []listItem `xml:"Container"`
}

type blobList struct {
	Items []blobListItem `xml:"Blob"`
}

// blobListItem is a <Blob> or, when XMLName says so, a <BlobPrefix>.
type blobListItem struct {
	XMLName    xml.Name
	Name       string          `xml:"Name"`
	Properties *listProperties `xml:"Properties,omitempty"`
}

type listItem struct {
	Name       string         `xml:"Name"`
	Properties listProperties `xml:"Properties"`
}

type listProperties struct {
	ETag          string `xml:"Etag"`
	ContentLength int    `xml:"Content-Length,omitempty"`
}

func (s *Server) listContainers(w http.ResponseWriter) {
	names := make([]string, 0, len(s.containers))
	for name := range s.containers {
		names = append(names, name)
	}

	sort.Strings(names)

	list := &containerList{Items: make([]listItem, 0, len(names))}
	for _, name := range names {
		list.Items = append(list.Items, listItem{
			Name:       name,
			Properties: listProperties{ETag: s.containers[name].etag},
		})
	}

	writeXML(w, enumerationResults{Endpoint: s.URL + "/", Containers: list})
}

func (s *Server) listBlobs(w http.ResponseWriter, containerName string, q url.Values) {
	c, ok := s.containers[containerName]
	if !ok {
		writeError(w, http.StatusNotFound, "ContainerNotFound", "The specified container does not exist.")
		return
	}

	prefix := q.Get("prefix")
	marker := q.Get("marker")
	delimiter := q.Get("delimiter")

	// With a delimiter, names below the next delimiter collapse into one
	// prefix entry ending in the delimiter.
	seen := make(map[string]bool)
	keys := make([]string, 0, len(c.blobs))

	for name := range c.blobs {
		if !strings.HasPrefix(name, prefix) {
			continue
		}

		key := name
		if delimiter != "" {
			if i := strings.Index(name[len(prefix):], delimiter); i >= 0 {
				key = name[:len(prefix)+i+len(delimiter)]
			}
		}

		if key >= marker && !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)

	res := enumerationResults{
		Endpoint:      s.URL + "/",
		ContainerName: containerName,
		Prefix:        prefix,
		Marker:        marker,
		MaxResults:    s.PageSize,
		Delimiter:     delimiter,
	}

	if s.PageSize > 0 && len(keys) > s.PageSize {
		res.NextMarker = keys[s.PageSize]
		keys = keys[:s.PageSize]
	}

	list := &blobList{Items: make([]blobListItem, 0, len(keys))}

	for _, key := range keys {
		b, isBlob := c.blobs[key]
		if !isBlob || (delimiter != "" && strings.HasSuffix(key, delimiter)) {
			list.Items = append(list.Items, blobListItem{XMLName: xml.Name{Local: "BlobPrefix"}, Name: key})
			continue
		}

		list.Items = append(list.Items, blobListItem{
			XMLName:    xml.Name{Local: "Blob"},
			Name:       key,
			Properties: &listProperties{ETag: b.etag, ContentLength: len(b.content)},
		})
	}

	res.Blobs = list

	writeXML(w, res)
}

func writeXML(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(v)
}

type errorBody struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("x-ms-error-code", code)
	w.Header().Set("x-ms-request-id", "fake-request-id")
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(errorBody{Code: code, Message: message + "\nRequestId:fake-request-id"})
}
