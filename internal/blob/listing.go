package blob

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// listingRoot is the root element of every Blob service listing document.
const listingRoot = "EnumerationResults"

// Entry is one item of a directory listing. Containers and virtual
// directories are directories; a container's Revision is its own ETag, a
// virtual directory has none.
type Entry struct {
	Path     string
	Name     string
	IsDir    bool
	Revision string
}

// Scope tells ParseListing how blob names relate to the listed directory.
type Scope struct {
	Dir string
	// Prefixed is set when the backend returns blob names that already
	// carry Dir as a prefix (virtual directories inside one container).
	Prefixed bool
}

// Listing is one parsed listing page.
type Listing struct {
	Entries    []Entry
	NextMarker string
}

// listedItem mirrors a <Container>, <Blob> or <BlobPrefix> element.
type listedItem struct {
	Name string `xml:"Name"`
	ETag string `xml:"Properties>Etag"`
}

// ParseListing converts a listing document into entries, in document
// order. Container elements become directories in a root listing only;
// inside a container they are ignored. Blob and blob-prefix paths are
// joined onto scope.Dir unless scope.Prefixed says the names are already
// qualified. Blob prefixes become directories.
//
// An empty or unparseable document, or one whose root is not a listing, is
// an error; a well-formed listing with no entries returns an empty slice.
func ParseListing(doc []byte, scope Scope) (*Listing, error) {
	scope.Dir = cleanPath(scope.Dir)
	dec := xml.NewDecoder(bytes.NewReader(doc))

	root, err := findRoot(dec)
	if err != nil {
		return nil, err
	}

	if root.Name.Local != listingRoot {
		return nil, malformed(fmt.Errorf("unexpected root element <%s>", root.Name.Local))
	}

	listing := &Listing{Entries: []Entry{}}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, malformed(errors.New("unterminated document"))
		}

		if err != nil {
			return nil, malformed(err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if err := parseElement(dec, t, scope, listing); err != nil {
				return nil, err
			}
		case xml.EndElement:
			if t.Name.Local == listingRoot {
				return listing, nil
			}
		}
	}
}

// findRoot returns the first start element of the document.
func findRoot(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return xml.StartElement{}, malformed(errors.New("no root element"))
		}

		if err != nil {
			return xml.StartElement{}, malformed(err)
		}

		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}

// parseElement handles one start element below the root. Wrapper elements
// (<Containers>, <Blobs>) are descended into by the caller's token loop;
// unknown leaves are skipped.
func parseElement(dec *xml.Decoder, start xml.StartElement, scope Scope, listing *Listing) error {
	switch start.Name.Local {
	case "Containers", "Blobs":
		return nil
	case "Container":
		if !scope.root() {
			return skip(dec)
		}

		item, err := decodeItem(dec, start)
		if err != nil {
			return err
		}

		listing.Entries = append(listing.Entries, Entry{
			Path:     item.Name,
			Name:     item.Name,
			IsDir:    true,
			Revision: item.ETag,
		})
	case "Blob":
		item, err := decodeItem(dec, start)
		if err != nil {
			return err
		}

		listing.Entries = append(listing.Entries, blobEntry(item, scope))
	case "BlobPrefix":
		item, err := decodeItem(dec, start)
		if err != nil {
			return err
		}

		item.Name = strings.TrimSuffix(item.Name, listDelimiter)
		item.ETag = ""

		dir := blobEntry(item, scope)
		dir.IsDir = true
		listing.Entries = append(listing.Entries, dir)
	case "NextMarker":
		var marker string
		if err := dec.DecodeElement(&marker, &start); err != nil {
			return malformed(err)
		}

		listing.NextMarker = strings.TrimSpace(marker)
	default:
		return skip(dec)
	}

	return nil
}

// root reports whether the scope is an account root listing, the only
// level at which containers are entries.
func (s Scope) root() bool {
	return s.Dir == "" && !s.Prefixed
}

func skip(dec *xml.Decoder) error {
	if err := dec.Skip(); err != nil {
		return malformed(err)
	}

	return nil
}

func decodeItem(dec *xml.Decoder, start xml.StartElement) (listedItem, error) {
	var item listedItem
	if err := dec.DecodeElement(&item, &start); err != nil {
		return item, malformed(err)
	}

	if item.Name == "" {
		return item, malformed(fmt.Errorf("<%s> without <Name>", start.Name.Local))
	}

	return item, nil
}

func blobEntry(item listedItem, scope Scope) Entry {
	switch {
	case scope.Dir == "":
		return Entry{Path: item.Name, Name: item.Name, Revision: item.ETag}
	case scope.Prefixed:
		name := strings.TrimPrefix(item.Name, scope.Dir+"/")
		return Entry{Path: item.Name, Name: name, Revision: item.ETag}
	default:
		return Entry{Path: scope.Dir + "/" + item.Name, Name: item.Name, Revision: item.ETag}
	}
}

func malformed(cause error) error {
	return &ProtocolError{Op: "list", Reason: fmt.Errorf("%w: %w", ErrMalformedListing, cause)}
}
