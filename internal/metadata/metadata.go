// Package metadata reads and writes the JSON sidecar that describes a SPRING
// archive: one record per constituent file (first read, second read, archive).
//
// The sidecar is written by the external compression job once the archive is
// verified, and rewritten with an unpack date when the archive is decompressed.
// A document with anything other than exactly three records is never trusted.
package metadata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/crunchy/internal/files"
)

// FileCount is the number of records every document must carry.
const FileCount = 3

// ErrMalformed marks a metadata document that cannot be interpreted.
var ErrMalformed = errors.New("malformed compression metadata")

// Role identifies which file of the unit a record describes.
type Role string

const (
	RoleFirstRead  Role = "first_read"
	RoleSecondRead Role = "second_read"
	RoleSpring     Role = "spring"
)

// Roles lists the roles in document order.
var Roles = []Role{RoleFirstRead, RoleSecondRead, RoleSpring}

func (r Role) valid() bool {
	return r == RoleFirstRead || r == RoleSecondRead || r == RoleSpring
}

const dateLayout = "2006-01-02"

// Date is a calendar date serialized as YYYY-MM-DD. The zero Date is null.
type Date struct {
	time.Time
}

// NewDate truncates t to its calendar date in t's location.
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate accepts YYYY-MM-DD and, for files written by older tooling, a full
// RFC3339 timestamp whose date part is kept.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		return NewDate(t), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return NewDate(t), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return NewDate(t), nil
	}
	return Date{}, fmt.Errorf("invalid date %q", s)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(dateLayout))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Record is one file entry of a metadata document.
type Record struct {
	Role     Role   `json:"file"`
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
	Updated  Date   `json:"updated"`
}

// Unpacked reports whether the record carries an unpack date.
func (r Record) Unpacked() bool {
	return !r.Updated.IsZero()
}

// Document is the ordered list of records of one SPRING archive.
type Document struct {
	Files []Record
}

// Parse decodes and validates a metadata document. Unparsable content, a record
// count other than three or an unknown role wrap ErrMalformed.
func Parse(data []byte) (Document, error) {
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(recs) != FileCount {
		return Document{}, fmt.Errorf("%w: found %d files, should always be %d", ErrMalformed, len(recs), FileCount)
	}
	for i, r := range recs {
		if !r.Role.valid() {
			return Document{}, fmt.Errorf("%w: files[%d] has unknown role %q", ErrMalformed, i, r.Role)
		}
	}
	return Document{Files: recs}, nil
}

// Load reads and parses the document at path.
func Load(path string) (Document, error) {
	return LoadFrom(files.OS{}, path)
}

// LoadFrom reads the document through an inspector.
func LoadFrom(in files.Inspector, path string) (Document, error) {
	data, err := in.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read metadata %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return Document{}, fmt.Errorf("parse metadata %s: %w", path, err)
	}
	return doc, nil
}

// ArchiveFiles keys the records by role. Duplicate or missing roles wrap ErrMalformed.
func ArchiveFiles(doc Document) (map[Role]Record, error) {
	out := make(map[Role]Record, FileCount)
	for _, r := range doc.Files {
		if _, dup := out[r.Role]; dup {
			return nil, fmt.Errorf("%w: duplicate role %q", ErrMalformed, r.Role)
		}
		out[r.Role] = r
	}
	for _, role := range Roles {
		if _, ok := out[role]; !ok {
			return nil, fmt.Errorf("%w: missing role %q", ErrMalformed, role)
		}
	}
	return out, nil
}

// LastUnpacked returns the unpack date of the first record. All records share
// the same value once the document has been rewritten.
func LastUnpacked(doc Document) (Date, bool) {
	if len(doc.Files) == 0 || !doc.Files[0].Unpacked() {
		return Date{}, false
	}
	return doc.Files[0].Updated, true
}

// MarkUnpacked returns a copy of doc with every record dated today.
func MarkUnpacked(doc Document, today time.Time) Document {
	d := NewDate(today)
	out := Document{Files: make([]Record, len(doc.Files))}
	for i, r := range doc.Files {
		r.Updated = d
		out.Files[i] = r
	}
	return out
}

// Marshal encodes doc as the bare JSON array the conversion jobs write.
func Marshal(doc Document) ([]byte, error) {
	recs := doc.Files
	if recs == nil {
		recs = []Record{}
	}
	return json.Marshal(recs)
}

// Write replaces the document at path. Concurrent readers see either version
// whole.
func Write(path string, doc Document) error {
	return WriteTo(files.OS{}, path, doc)
}

// WriteTo replaces the document at path through an inspector.
func WriteTo(in files.Inspector, path string, doc Document) error {
	data, err := Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := in.WriteFile(path, data); err != nil {
		return fmt.Errorf("write metadata %s: %w", path, err)
	}
	return nil
}

// UpdateDate stamps today on every record of the document at path.
func UpdateDate(path string, today time.Time) (Document, error) {
	doc, err := Load(path)
	if err != nil {
		return Document{}, err
	}
	doc = MarkUnpacked(doc, today)
	if err := Write(path, doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}
