// Package backup streams a filtered slice of the archive's data model into
// a .claudelens file.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claudelens/claudelens/internal/apperr"
	"github.com/claudelens/claudelens/internal/archive"
	"github.com/claudelens/claudelens/internal/ownership"
	"github.com/claudelens/claudelens/internal/progress"
	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/types"
)

// progressEvery is the document interval between progress events inside a
// section.
const progressEvery = 100

// messagePageSize bounds memory while streaming the messages section.
const messagePageSize = 500

// Request describes one backup to produce.
type Request struct {
	Name   string             `json:"name"`
	Type   types.BackupType   `json:"type"`
	Filter types.BackupFilter `json:"filter"`
	Level  int                `json:"compression_level,omitempty"`
}

// Engine produces archives.
type Engine struct {
	store       storage.Store
	owner       *ownership.Resolver
	broadcaster *progress.Broadcaster
	dir         string
	log         *zap.Logger
}

func NewEngine(store storage.Store, owner *ownership.Resolver, b *progress.Broadcaster, dir string, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, owner: owner, broadcaster: b, dir: dir, log: log}
}

// Run produces one backup synchronously.
func (e *Engine) Run(ctx context.Context, principal types.Principal, req *Request) (*types.BackupMetadata, error) {
	meta, err := e.create(ctx, principal, req)
	if err != nil {
		return nil, err
	}
	return meta, e.execute(ctx, principal, req, meta)
}

// Launch records the pending metadata row and runs the backup in a
// background goroutine. Callers poll the metadata row or subscribe to
// progress events keyed by the returned id.
func (e *Engine) Launch(ctx context.Context, principal types.Principal, req *Request) (*types.BackupMetadata, error) {
	meta, err := e.create(ctx, principal, req)
	if err != nil {
		return nil, err
	}
	go func() { _ = e.execute(context.WithoutCancel(ctx), principal, req, meta) }()
	return meta, nil
}

func (e *Engine) create(ctx context.Context, principal types.Principal, req *Request) (*types.BackupMetadata, error) {
	if principal.IsAnonymous() {
		return nil, apperr.New(apperr.Unauthorized, "backup_unauthorized", "backup requires an authenticated principal")
	}
	if req.Type == "" {
		req.Type = types.BackupFull
	}

	meta := &types.BackupMetadata{
		ID:        uuid.NewString(),
		Name:      req.Name,
		CreatedBy: principal.UserID,
		Type:      req.Type,
		Filter:    req.Filter,
		Status:    types.BackupPending,
	}
	if err := e.store.CreateBackup(ctx, meta); err != nil {
		return nil, fmt.Errorf("backup metadata create failed: %w", err)
	}
	return meta, nil
}

func (e *Engine) execute(ctx context.Context, principal types.Principal, req *Request, meta *types.BackupMetadata) error {
	if err := e.run(ctx, principal, req, meta); err != nil {
		meta.Status = types.BackupFailed
		meta.Error = err.Error()
		now := time.Now().UTC()
		meta.CompletedAt = &now
		if uerr := e.store.UpdateBackup(ctx, meta); uerr != nil {
			e.log.Warn("backup failure record failed", zap.Error(uerr))
		}
		e.publish(types.NewTerminal("backup_failed", meta.ID, 0, 0, err.Error(), false))
		return err
	}
	return nil
}

func (e *Engine) run(ctx context.Context, principal types.Principal, req *Request, meta *types.BackupMetadata) error {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("backup dir: %w", err)
	}
	// One backup writer per directory at a time; the lock also covers the
	// temp-file namespace.
	lock := flock.New(filepath.Join(e.dir, ".backup.lock"))
	locked, err := lock.TryLockContext(ctx, 250*time.Millisecond)
	if err != nil {
		return fmt.Errorf("backup lock: %w", err)
	}
	if !locked {
		return apperr.New(apperr.Conflict, "backup_locked", "another backup is in progress")
	}
	defer func() { _ = lock.Unlock() }()

	meta.Status = types.BackupInProgress
	if err := e.store.UpdateBackup(ctx, meta); err != nil {
		return err
	}

	projects, sessions, err := e.resolveSet(ctx, principal, req.Filter)
	if err != nil {
		return err
	}
	msgFilter, total, err := e.messageSet(ctx, sessions, req.Filter)
	if err != nil {
		return err
	}

	path := filepath.Join(e.dir, meta.ID+archive.Extension)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("backup file create: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}()

	w, err := archive.NewWriter(f, req.Level)
	if err != nil {
		return err
	}
	if err := w.WriteHeader(&archive.Header{
		Name: req.Name, CreatedBy: principal.UserID, CreatedAt: time.Now().UTC(),
		Type: req.Type, Filter: req.Filter,
	}); err != nil {
		return err
	}

	counts := map[string]int64{}
	written := int64(0)
	grand := int64(len(projects)+len(sessions)) + total + 1 // +1 settings doc

	writeSection := func(name string, n int64, emit func(i int64) (interface{}, error)) error {
		e.publish(types.NewProgress("backup_progress", meta.ID, written, grand, "section "+name))
		if err := w.BeginSection(name, n); err != nil {
			return err
		}
		for i := int64(0); i < n; i++ {
			if err := ctx.Err(); err != nil {
				return apperr.Wrap(apperr.Cancelled, "backup_cancelled", "backup cancelled", err)
			}
			doc, err := emit(i)
			if err != nil {
				return err
			}
			if err := w.WriteDoc(doc); err != nil {
				return err
			}
			written++
			if written%progressEvery == 0 {
				e.publish(types.NewProgress("backup_progress", meta.ID, written, grand, name))
			}
		}
		counts[name] = n
		return nil
	}

	if err := writeSection(archive.SectionProjects, int64(len(projects)), func(i int64) (interface{}, error) {
		return projects[i], nil
	}); err != nil {
		return err
	}
	if err := writeSection(archive.SectionSessions, int64(len(sessions)), func(i int64) (interface{}, error) {
		return sessions[i], nil
	}); err != nil {
		return err
	}

	// Messages stream in pages to bound memory.
	var page []*types.Message
	pageBase := int64(0)
	if err := writeSection(archive.SectionMessages, total, func(i int64) (interface{}, error) {
		if idx := i - pageBase; idx >= 0 && idx < int64(len(page)) {
			return archiveMessage(page[idx]), nil
		}
		f := msgFilter
		f.Limit, f.Offset = messagePageSize, int(i)
		var err error
		page, err = e.store.QueryMessages(ctx, f)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return nil, fmt.Errorf("message set shrank while streaming (offset %d)", i)
		}
		pageBase = i
		return archiveMessage(page[0]), nil
	}); err != nil {
		return err
	}

	if err := writeSection(archive.SectionPrompts, 0, nil); err != nil {
		return err
	}
	if err := writeSection(archive.SectionSettings, 1, func(int64) (interface{}, error) {
		return e.store.GetLimitSettings(ctx)
	}); err != nil {
		return err
	}

	if err := w.Close(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("backup finalize: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	meta.Status = types.BackupCompleted
	meta.FilePath = path
	meta.SizeBytes = w.TotalBytes()
	meta.CompressedSize = info.Size()
	meta.Checksum = w.Checksum()
	meta.ContentCounts = counts
	now := time.Now().UTC()
	meta.CompletedAt = &now
	if err := e.store.UpdateBackup(ctx, meta); err != nil {
		return err
	}

	e.publish(types.NewTerminal("backup_complete", meta.ID, written, grand,
		fmt.Sprintf("wrote %d documents", written), true))
	e.log.Info("backup complete",
		zap.String("backup_id", meta.ID),
		zap.String("user_id", principal.UserID),
		zap.Int64("documents", written),
		zap.Int64("bytes", meta.SizeBytes),
		zap.Int64("compressed", meta.CompressedSize))
	return nil
}

// resolveSet narrows the principal's reachable projects and sessions by the
// filter.
func (e *Engine) resolveSet(ctx context.Context, principal types.Principal, f types.BackupFilter) ([]*types.Project, []*types.Session, error) {
	projects, err := e.owner.ProjectsOf(ctx, principal)
	if err != nil {
		return nil, nil, err
	}
	if len(f.ProjectIDs) > 0 {
		keep := toSet(f.ProjectIDs)
		projects = filterSlice(projects, func(p *types.Project) bool { _, ok := keep[p.ID]; return ok })
	}

	ids := make([]string, len(projects))
	for i, p := range projects {
		ids[i] = p.ID
	}
	sessions, err := e.store.ListSessions(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	if len(f.SessionIDs) > 0 {
		keep := toSet(f.SessionIDs)
		sessions = filterSlice(sessions, func(s *types.Session) bool { _, ok := keep[s.ID]; return ok })
	}
	sessions = filterSlice(sessions, func(s *types.Session) bool {
		if f.MinMessages > 0 && s.MessageCount < f.MinMessages {
			return false
		}
		if f.MaxMessages > 0 && s.MessageCount > f.MaxMessages {
			return false
		}
		if f.Start != nil && s.EndedAt.Before(*f.Start) {
			return false
		}
		if f.End != nil && s.StartedAt.After(*f.End) {
			return false
		}
		return true
	})
	return projects, sessions, nil
}

func (e *Engine) messageSet(ctx context.Context, sessions []*types.Session, f types.BackupFilter) (storage.MessageFilter, int64, error) {
	ids := make([]string, len(sessions))
	var lo, hi time.Time
	for i, s := range sessions {
		ids[i] = s.ID
		if i == 0 || s.StartedAt.Before(lo) {
			lo = s.StartedAt
		}
		if i == 0 || s.EndedAt.After(hi) {
			hi = s.EndedAt
		}
	}
	start, end := lo.Add(-time.Hour), hi.Add(time.Hour)
	if f.Start != nil {
		start = *f.Start
	}
	if f.End != nil {
		end = *f.End
	}
	mf := storage.MessageFilter{SessionIDs: &ids, Start: &start, End: &end, Sort: storage.SortAsc}
	if len(ids) == 0 {
		return mf, 0, nil
	}
	total, err := e.store.CountMessages(ctx, mf)
	if err != nil {
		return mf, 0, err
	}
	return mf, total, nil
}

// archivedMessage carries the content hash, which the Message JSON shape
// deliberately omits, so restore can verify entity-level identity.
type archivedMessage struct {
	*types.Message
	ContentHash string `json:"content_hash"`
}

func archiveMessage(m *types.Message) interface{} {
	if m.ContentHash == "" {
		m.ContentHash = m.ComputeContentHash()
	}
	return archivedMessage{Message: m, ContentHash: m.ContentHash}
}

// Delete removes a backup's metadata and its archive file.
func (e *Engine) Delete(ctx context.Context, principal types.Principal, id string) error {
	meta, err := e.store.GetBackup(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.Wrap(apperr.NotFound, "backup_not_found", "backup does not exist", err)
		}
		return err
	}
	if !principal.IsAdmin() && meta.CreatedBy != principal.UserID {
		return apperr.New(apperr.Forbidden, "backup_forbidden", "backup belongs to another principal")
	}
	meta.Status = types.BackupDeleting
	if err := e.store.UpdateBackup(ctx, meta); err != nil {
		return err
	}
	if meta.FilePath != "" {
		if err := os.Remove(meta.FilePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("backup file remove: %w", err)
		}
	}
	return e.store.DeleteBackup(ctx, id)
}

func (e *Engine) publish(ev types.ProgressEvent) {
	if e.broadcaster != nil {
		e.broadcaster.Publish(ev)
	}
}

func toSet(ids []string) map[string]struct{} {
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func filterSlice[T any](in []T, keep func(T) bool) []T {
	out := in[:0:0]
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}
