package restore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/claudelens/claudelens/internal/apperr"
	"github.com/claudelens/claudelens/internal/archive"
	"github.com/claudelens/claudelens/internal/types"
)

// PreviewDocLimit is the per-section sample size a preview returns.
const PreviewDocLimit = 10

// largeArchiveBytes triggers a size warning in previews.
const largeArchiveBytes = 1 << 30

// Preview summarizes an archive without applying anything.
type Preview struct {
	Header   archive.Header               `json:"header"`
	Counts   map[string]int64             `json:"counts"`
	Samples  map[string][]json.RawMessage `json:"samples,omitempty"`
	Warnings []string                     `json:"warnings,omitempty"`
}

// Preview streams a bounded prefix of the archive: section counts, the
// first few documents per section, and warnings a caller should see before
// committing to a restore.
func (e *Engine) Preview(ctx context.Context, principal types.Principal, backupID string) (*Preview, error) {
	meta, err := e.authorizedBackup(ctx, principal, backupID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(meta.FilePath)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "backup_file_missing", "backup file is missing", err)
	}
	defer func() { _ = f.Close() }()

	r, err := archive.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	p := &Preview{
		Header:  r.Header(),
		Counts:  make(map[string]int64),
		Samples: make(map[string][]json.RawMessage),
	}
	if p.Header.Version < archive.FormatVersion {
		p.Warnings = append(p.Warnings,
			fmt.Sprintf("archive version %d predates the current format %d", p.Header.Version, archive.FormatVersion))
	}
	if meta.SizeBytes > largeArchiveBytes {
		p.Warnings = append(p.Warnings,
			fmt.Sprintf("archive is unusually large (%d uncompressed bytes)", meta.SizeBytes))
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Wrap(apperr.Cancelled, "restore_cancelled", "preview cancelled", err)
		}
		sh, err := r.NextSection()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		p.Counts[sh.Section] = sh.Count
		sample := sh.Count
		if sample > PreviewDocLimit {
			sample = PreviewDocLimit
		}
		for i := int64(0); i < sample; i++ {
			raw, err := r.NextDoc()
			if err != nil {
				return nil, err
			}
			p.Samples[sh.Section] = append(p.Samples[sh.Section], raw)
		}
		// NextSection drains the remainder of the section internally.
	}
	if err := r.Verify(); err != nil {
		p.Warnings = append(p.Warnings, fmt.Sprintf("checksum verification failed: %v", err))
	}
	return p, nil
}
