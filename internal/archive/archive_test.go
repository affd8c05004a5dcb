package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/claudelens/claudelens/internal/apperr"
	"github.com/claudelens/claudelens/internal/types"
)

func writeTestArchive(t *testing.T, docs map[string][]interface{}) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, DefaultCompressionLevel)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteHeader(&Header{
		Name: "test", CreatedBy: "alice", CreatedAt: time.Now().UTC(), Type: types.BackupFull,
	}); err != nil {
		t.Fatal(err)
	}
	for _, section := range SectionOrder {
		ds := docs[section]
		if err := w.BeginSection(section, int64(len(ds))); err != nil {
			t.Fatal(err)
		}
		for _, d := range ds {
			if err := w.WriteDoc(d); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func TestRoundTrip(t *testing.T) {
	docs := map[string][]interface{}{
		SectionProjects: {&types.Project{ID: "p1", OwnerID: "alice", Path: "/p"}},
		SectionSessions: {&types.Session{ID: "s1", ProjectID: "p1"}},
		SectionMessages: {
			&types.Message{UUID: "40000000-0000-0000-0000-000000000001", SessionID: "s1", Type: types.MessageUser,
				Content: json.RawMessage(`{"text":"hi"}`), Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
			&types.Message{UUID: "40000000-0000-0000-0000-000000000002", SessionID: "s1", Type: types.MessageAssistant,
				Content: json.RawMessage(`{"text":"hello"}`), Timestamp: time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)},
		},
	}
	buf := writeTestArchive(t, docs)

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()

	h := r.Header()
	if h.Name != "test" || h.Version != FormatVersion {
		t.Errorf("header = %+v", h)
	}

	seen := map[string]int{}
	for {
		sh, err := r.NextSection()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		for {
			raw, err := r.NextDoc()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			seen[sh.Section]++
			if sh.Section == SectionMessages {
				var m types.Message
				if err := json.Unmarshal(raw, &m); err != nil {
					t.Fatal(err)
				}
				if m.SessionID != "s1" {
					t.Errorf("message = %+v", m)
				}
			}
		}
	}
	if seen[SectionMessages] != 2 || seen[SectionProjects] != 1 {
		t.Errorf("seen = %v", seen)
	}
	if err := r.Verify(); err != nil {
		t.Errorf("verify failed on intact archive: %v", err)
	}
}

func TestSectionOrderAndCounts(t *testing.T) {
	buf := writeTestArchive(t, nil) // All sections empty

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	for {
		sh, err := r.NextSection()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		order = append(order, sh.Section)
		if sh.Count != 0 {
			t.Errorf("%s count = %d", sh.Section, sh.Count)
		}
	}
	if len(order) != len(SectionOrder) {
		t.Fatalf("sections = %v", order)
	}
	for i, s := range SectionOrder {
		if order[i] != s {
			t.Errorf("section %d = %s, want %s", i, order[i], s)
		}
	}
}

func TestCorruptedPayloadFailsVerify(t *testing.T) {
	docs := map[string][]interface{}{
		SectionProjects: {&types.Project{ID: "p1", OwnerID: "alice", Path: "/p"}},
	}
	buf := writeTestArchive(t, docs)

	// Decompress, flip one payload byte, recompress. The footer checksum no
	// longer matches.
	r0, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	_ = r0.Close()

	plain := decompressAll(t, buf.Bytes())
	i := bytes.Index(plain, []byte(`"p1"`))
	if i < 0 {
		t.Fatal("marker not found")
	}
	plain[i+1] = 'q'
	corrupted := recompress(t, plain)

	r, err := NewReader(bytes.NewReader(corrupted))
	if err != nil {
		t.Fatal(err)
	}
	for {
		_, err := r.NextSection()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	err = r.Verify()
	if !apperr.Is(err, apperr.Corruption) {
		t.Errorf("verify on corrupt archive = %v", err)
	}
}

func TestBadMagic(t *testing.T) {
	var buf bytes.Buffer
	plain := append([]byte("NOPE"), []byte("{}\n")...)
	buf.Write(recompress(t, plain))

	_, err := NewReader(bytes.NewReader(buf.Bytes()))
	if !apperr.Is(err, apperr.Corruption) {
		t.Errorf("bad magic error = %v", err)
	}
}

func TestNotGzip(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("plain text, not an archive")))
	if !apperr.Is(err, apperr.Corruption) {
		t.Errorf("non-gzip error = %v", err)
	}
}

func TestFutureVersionRejected(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteHeader(&Header{Version: FormatVersion + 1, Name: "future"}); err != nil {
		t.Fatal(err)
	}
	if err := w.BeginSection(SectionProjects, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	_, err = NewReader(bytes.NewReader(buf.Bytes()))
	if !apperr.Is(err, apperr.Validation) {
		t.Errorf("future version error = %v", err)
	}
}

func TestWriterGuardsSectionDiscipline(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteHeader(&Header{Name: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteDoc(map[string]string{"stray": "doc"}); err == nil {
		t.Error("doc outside section accepted")
	}
	if err := w.BeginSection(SectionProjects, 2); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteDoc(map[string]string{"a": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err == nil {
		t.Error("close with outstanding documents accepted")
	}
}

func decompressAll(t *testing.T, compressed []byte) []byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatal(err)
	}
	out, err := io.ReadAll(gz)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func recompress(t *testing.T, plain []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(plain); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
