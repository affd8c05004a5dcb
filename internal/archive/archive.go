// Package archive implements the .claudelens container format.
//
// Layout, before compression:
//
//	4-byte magic "CLNS"
//	header JSON, one line
//	for each section: section header JSON line, then count JSONL documents
//	footer JSON line: {"checksum": <hex>, "total_bytes": <int>}
//
// The whole stream is gzip-compressed at a selectable level. The rolling
// sha-256 covers every uncompressed byte up to (and excluding) the footer
// line, so a reader can recompute it inline while decompressing, with no
// buffering of the payload.
package archive

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/claudelens/claudelens/internal/apperr"
	"github.com/claudelens/claudelens/internal/types"
)

// Magic identifies a claudelens archive.
const Magic = "CLNS"

// Extension is the canonical archive file extension.
const Extension = ".claudelens"

// FormatVersion is bumped on incompatible layout changes.
const FormatVersion = 1

// DefaultCompressionLevel balances ratio and speed.
const DefaultCompressionLevel = 6

// Section names, in stream order.
const (
	SectionProjects = "projects"
	SectionSessions = "sessions"
	SectionMessages = "messages"
	SectionPrompts  = "prompts"
	SectionSettings = "settings"
)

// SectionOrder is the fixed order sections appear in the stream.
var SectionOrder = []string{SectionProjects, SectionSessions, SectionMessages, SectionPrompts, SectionSettings}

// Header opens every archive.
type Header struct {
	Version   int                `json:"version"`
	Name      string             `json:"name"`
	CreatedBy string             `json:"created_by"`
	CreatedAt time.Time          `json:"created_at"`
	Type      types.BackupType   `json:"type"`
	Filter    types.BackupFilter `json:"filter"`
	Sections  []string           `json:"sections"`
}

// SectionHeader announces a section and its exact document count.
type SectionHeader struct {
	Section string `json:"section"`
	Count   int64  `json:"count"`
}

// Footer closes the stream.
type Footer struct {
	Checksum   string `json:"checksum"`
	TotalBytes int64  `json:"total_bytes"`
}

// Writer streams an archive. Close writes the footer and flushes the
// compressor; the underlying file is the caller's to close.
type Writer struct {
	gz    *gzip.Writer
	hash  hash.Hash
	total int64
	open  bool // A section is open
	left  int64
}

// NewWriter wraps w in the archive encoding at the given gzip level.
func NewWriter(w io.Writer, level int) (*Writer, error) {
	if level == 0 {
		level = DefaultCompressionLevel
	}
	gz, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, fmt.Errorf("bad compression level %d: %w", level, err)
	}
	aw := &Writer{gz: gz, hash: sha256.New()}
	if err := aw.writeRaw([]byte(Magic)); err != nil {
		return nil, err
	}
	return aw, nil
}

// WriteHeader emits the archive header. Must be the first call.
func (w *Writer) WriteHeader(h *Header) error {
	if h.Version == 0 {
		h.Version = FormatVersion
	}
	if len(h.Sections) == 0 {
		h.Sections = SectionOrder
	}
	return w.writeLine(h)
}

// BeginSection announces the next section. The previous one must be fully
// written.
func (w *Writer) BeginSection(name string, count int64) error {
	if w.open && w.left > 0 {
		return fmt.Errorf("section opened with %d documents outstanding", w.left)
	}
	w.open, w.left = true, count
	return w.writeLine(SectionHeader{Section: name, Count: count})
}

// WriteDoc emits one document into the open section.
func (w *Writer) WriteDoc(v interface{}) error {
	if !w.open || w.left <= 0 {
		return fmt.Errorf("document written outside an open section")
	}
	w.left--
	return w.writeLine(v)
}

// Checksum returns the rolling sha-256 over everything written so far.
func (w *Writer) Checksum() string {
	return hex.EncodeToString(w.hash.Sum(nil))
}

// TotalBytes returns the uncompressed byte count so far.
func (w *Writer) TotalBytes() int64 { return w.total }

// Close writes the footer and flushes the compressor.
func (w *Writer) Close() error {
	if w.open && w.left > 0 {
		return fmt.Errorf("close with %d documents outstanding", w.left)
	}
	footer := Footer{Checksum: w.Checksum(), TotalBytes: w.total}
	raw, err := json.Marshal(footer)
	if err != nil {
		return err
	}
	// The footer itself is excluded from checksum and byte count.
	if _, err := w.gz.Write(append(raw, '\n')); err != nil {
		return err
	}
	return w.gz.Close()
}

func (w *Writer) writeLine(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.writeRaw(append(raw, '\n'))
}

func (w *Writer) writeRaw(b []byte) error {
	if _, err := w.gz.Write(b); err != nil {
		return err
	}
	w.hash.Write(b)
	w.total += int64(len(b))
	return nil
}

// Reader streams an archive back, recomputing the checksum inline.
type Reader struct {
	gz     *gzip.Reader
	br     *bufio.Reader
	hash   hash.Hash
	total  int64
	header Header
	left   int64 // Documents remaining in the open section
	footer *Footer
}

// NewReader validates the magic and reads the header.
func NewReader(r io.Reader) (*Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, apperr.Wrap(apperr.Corruption, "archive_not_compressed", "archive is not a gzip stream", err)
	}
	ar := &Reader{gz: gz, br: bufio.NewReaderSize(gz, 1<<20), hash: sha256.New()}

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(ar.br, magic); err != nil || string(magic) != Magic {
		return nil, apperr.New(apperr.Corruption, "archive_bad_magic", "archive magic mismatch").
			WithDetail("offset", 0)
	}
	ar.hash.Write(magic)
	ar.total += int64(len(magic))

	line, err := ar.readLine()
	if err != nil {
		return nil, apperr.Wrap(apperr.Corruption, "archive_bad_header", "archive header unreadable", err).
			WithDetail("offset", ar.total)
	}
	if err := json.Unmarshal(line, &ar.header); err != nil {
		return nil, apperr.Wrap(apperr.Corruption, "archive_bad_header", "archive header is not valid JSON", err).
			WithDetail("offset", ar.total)
	}
	ar.hash.Write(line)
	ar.hash.Write([]byte{'\n'})
	ar.total += int64(len(line)) + 1
	if ar.header.Version > FormatVersion {
		return nil, apperr.New(apperr.Validation, "archive_version_unsupported",
			fmt.Sprintf("archive version %d is newer than supported %d", ar.header.Version, FormatVersion))
	}
	return ar, nil
}

// Header returns the archive header.
func (r *Reader) Header() Header { return r.header }

// NextSection reads the next section header. Returns io.EOF after the
// footer has been consumed.
func (r *Reader) NextSection() (*SectionHeader, error) {
	if r.footer != nil {
		return nil, io.EOF
	}
	if r.left > 0 {
		// Skip unread documents in the current section
		for r.left > 0 {
			if _, err := r.NextDoc(); err != nil {
				return nil, err
			}
		}
	}
	line, err := r.peekOrReadStructural()
	if err != nil {
		return nil, err
	}
	if r.footer != nil {
		return nil, io.EOF
	}
	var sh SectionHeader
	if err := json.Unmarshal(line, &sh); err != nil || sh.Section == "" {
		return nil, apperr.New(apperr.Corruption, "archive_bad_section", "malformed section header").
			WithDetail("offset", r.total)
	}
	r.left = sh.Count
	return &sh, nil
}

// NextDoc reads one raw document from the open section.
func (r *Reader) NextDoc() (json.RawMessage, error) {
	if r.left <= 0 {
		return nil, io.EOF
	}
	line, err := r.readLine()
	if err != nil {
		return nil, apperr.Wrap(apperr.Corruption, "archive_truncated", "archive ended mid-section", err).
			WithDetail("offset", r.total)
	}
	r.hash.Write(line)
	r.hash.Write([]byte{'\n'})
	r.total += int64(len(line)) + 1
	r.left--
	out := make(json.RawMessage, len(line))
	copy(out, line)
	return out, nil
}

// peekOrReadStructural reads one line that is either a section header or
// the footer. Footer lines stop the checksum.
func (r *Reader) peekOrReadStructural() ([]byte, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, apperr.Wrap(apperr.Corruption, "archive_truncated", "archive ended before footer", err).
			WithDetail("offset", r.total)
	}
	var f Footer
	if err := json.Unmarshal(line, &f); err == nil && f.Checksum != "" {
		r.footer = &f
		return nil, nil
	}
	r.hash.Write(line)
	r.hash.Write([]byte{'\n'})
	r.total += int64(len(line)) + 1
	return line, nil
}

// Verify checks the stream's footer against the recomputed checksum and
// byte count. Valid only after NextSection has returned io.EOF.
func (r *Reader) Verify() error {
	if r.footer == nil {
		return fmt.Errorf("verify called before the footer was reached")
	}
	sum := hex.EncodeToString(r.hash.Sum(nil))
	if sum != r.footer.Checksum {
		return apperr.New(apperr.Corruption, "archive_checksum_mismatch", "archive checksum mismatch").
			WithDetail("expected", r.footer.Checksum).
			WithDetail("actual", sum)
	}
	if r.total != r.footer.TotalBytes {
		return apperr.New(apperr.Corruption, "archive_size_mismatch", "archive byte count mismatch").
			WithDetail("expected", r.footer.TotalBytes).
			WithDetail("actual", r.total)
	}
	return nil
}

// Footer returns the parsed footer, or nil before the end of stream.
func (r *Reader) Footer() *Footer { return r.footer }

// Close closes the decompressor.
func (r *Reader) Close() error { return r.gz.Close() }

// readLine returns one line without its trailing newline. Does not touch
// the hash; callers account for the bytes they keep.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return line[:len(line)-1], nil
}
