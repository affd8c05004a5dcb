// Package ingest accepts transcript batches and lands them in the
// partition store.
//
// A batch is validated record by record, sanitized, deduplicated by content
// hash, and applied under append or overwrite semantics. One bad record
// never poisons the batch; errors are collected per record and reported in
// the stats object.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/claudelens/claudelens/internal/apperr"
	"github.com/claudelens/claudelens/internal/pricing"
	"github.com/claudelens/claudelens/internal/progress"
	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/types"
)

// MaxBatchSize is the hard ceiling on records per batch.
const MaxBatchSize = 1000

// UnknownProjectPath groups records whose cwd is absent.
const UnknownProjectPath = "(no-project)"

// Batch is one ingest request.
type Batch struct {
	Messages      []*types.Message  `json:"messages"`
	Todos         []json.RawMessage `json:"todos,omitempty"`
	Config        json.RawMessage   `json:"config,omitempty"`
	OverwriteMode bool              `json:"overwrite_mode"`
}

// RecordError describes one rejected record.
type RecordError struct {
	Index  int    `json:"index"`
	UUID   string `json:"uuid,omitempty"`
	Reason string `json:"reason"`
}

// Stats is the batch outcome report.
type Stats struct {
	Received        int           `json:"received"`
	Inserted        int           `json:"inserted"`
	Updated         int           `json:"updated"`
	Skipped         int           `json:"skipped"`
	Failed          int           `json:"failed"`
	SessionsCreated int           `json:"sessions_created"`
	ProjectsCreated []string      `json:"projects_created,omitempty"`
	Duration        time.Duration `json:"duration"`
	Errors          []RecordError `json:"errors,omitempty"`
}

// Pipeline lands batches in the store.
type Pipeline struct {
	store       storage.Store
	pricing     *pricing.Service
	broadcaster *progress.Broadcaster
	policy      *bluemonday.Policy
	log         *zap.Logger
}

func NewPipeline(store storage.Store, pricing *pricing.Service, b *progress.Broadcaster, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		store:       store,
		pricing:     pricing,
		broadcaster: b,
		policy:      bluemonday.UGCPolicy(),
		log:         log,
	}
}

// sessionAccum tracks per-session deltas while a batch is processed.
type sessionAccum struct {
	projectID  string
	minTS      time.Time
	maxTS      time.Time
	inserted   int64
	costMicros int64
	created    bool
}

// Ingest processes one batch for the acting principal. The returned job id
// identifies the terminal progress event.
func (p *Pipeline) Ingest(ctx context.Context, principal types.Principal, batch *Batch) (string, *Stats, error) {
	if principal.IsAnonymous() {
		return "", nil, apperr.New(apperr.Unauthorized, "ingest_unauthorized", "ingest requires an authenticated principal")
	}
	if len(batch.Messages) > MaxBatchSize {
		return "", nil, apperr.New(apperr.Validation, "batch_too_large",
			fmt.Sprintf("batch holds %d records; the limit is %d", len(batch.Messages), MaxBatchSize))
	}

	jobID := uuid.NewString()
	started := time.Now()
	stats := &Stats{Received: len(batch.Messages)}

	projects := map[string]string{} // cwd → project id
	sessions := map[string]*sessionAccum{}

	for i, m := range batch.Messages {
		if err := ctx.Err(); err != nil {
			return jobID, stats, apperr.Wrap(apperr.Cancelled, "ingest_cancelled", "batch cancelled", err)
		}
		if err := p.ingestOne(ctx, principal, batch.OverwriteMode, m, stats, projects, sessions); err != nil {
			stats.Failed++
			stats.Errors = append(stats.Errors, RecordError{Index: i, UUID: m.UUID, Reason: err.Error()})
		}
	}

	p.applySessionRollups(ctx, batch.OverwriteMode, sessions)
	p.bumpProjectCounters(ctx, batch, sessions)

	stats.Duration = time.Since(started)
	p.appendLog(ctx, principal, jobID, stats)
	if p.broadcaster != nil {
		msg := fmt.Sprintf("ingested %d/%d records", stats.Inserted+stats.Updated, stats.Received)
		p.broadcaster.Publish(types.NewTerminal("ingest_complete", jobID,
			int64(stats.Received), int64(stats.Received), msg, stats.Failed == 0))
	}
	p.log.Info("ingest batch complete",
		zap.String("job_id", jobID),
		zap.String("user_id", principal.UserID),
		zap.Int("received", stats.Received),
		zap.Int("inserted", stats.Inserted),
		zap.Int("updated", stats.Updated),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
		zap.Duration("duration", stats.Duration))
	return jobID, stats, nil
}

func (p *Pipeline) ingestOne(ctx context.Context, principal types.Principal, overwrite bool,
	m *types.Message, stats *Stats, projects map[string]string, sessions map[string]*sessionAccum) error {

	if err := m.Validate(); err != nil {
		return err
	}
	m.Timestamp = m.Timestamp.UTC()
	m.Content = p.sanitize(m.Content)
	m.ContentHash = m.ComputeContentHash()
	if m.CostMicros == 0 {
		m.CostMicros = p.pricing.Cost(ctx, m)
	}

	acc, err := p.materialize(ctx, principal, m, stats, projects, sessions)
	if err != nil {
		return err
	}

	existing, err := p.store.GetMessage(ctx, m.UUID, &m.Timestamp)
	switch {
	case err == nil:
		if !overwrite || existing.ContentHash == m.ContentHash {
			stats.Skipped++
			return nil
		}
		if err := p.store.ReplaceMessage(ctx, m); err != nil {
			return fmt.Errorf("replace failed: %w", err)
		}
		stats.Updated++
		return nil
	case errors.Is(err, storage.ErrNotFound):
		if err := p.store.InsertMessage(ctx, m); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				// Lost a race with a concurrent batch; per-uuid
				// linearizability makes this a skip.
				stats.Skipped++
				return nil
			}
			return fmt.Errorf("insert failed: %w", err)
		}
		stats.Inserted++
		acc.inserted++
		acc.costMicros += m.CostMicros
		return nil
	default:
		return fmt.Errorf("lookup failed: %w", err)
	}
}

// materialize ensures the record's project and session rows exist and
// updates the batch-local accumulators.
func (p *Pipeline) materialize(ctx context.Context, principal types.Principal, m *types.Message,
	stats *Stats, projects map[string]string, sessions map[string]*sessionAccum) (*sessionAccum, error) {

	path := m.CWD
	if path == "" {
		path = UnknownProjectPath
	}
	projectID, ok := projects[path]
	if !ok {
		proj, err := p.store.GetProjectByPath(ctx, principal.UserID, path)
		switch {
		case err == nil:
			projectID = proj.ID
		case errors.Is(err, storage.ErrNotFound):
			projectID = uuid.NewString()
			create := &types.Project{ID: projectID, OwnerID: principal.UserID, Path: path, Name: projectName(path)}
			if err := p.store.CreateProject(ctx, create); err != nil {
				if !errors.Is(err, storage.ErrDuplicate) {
					return nil, fmt.Errorf("project create failed: %w", err)
				}
				proj, err := p.store.GetProjectByPath(ctx, principal.UserID, path)
				if err != nil {
					return nil, err
				}
				projectID = proj.ID
			} else {
				stats.ProjectsCreated = append(stats.ProjectsCreated, projectID)
			}
		default:
			return nil, fmt.Errorf("project lookup failed: %w", err)
		}
		projects[path] = projectID
	}

	acc, ok := sessions[m.SessionID]
	if !ok {
		acc = &sessionAccum{projectID: projectID, minTS: m.Timestamp, maxTS: m.Timestamp}
		_, err := p.store.GetSession(ctx, m.SessionID)
		if errors.Is(err, storage.ErrNotFound) {
			sess := &types.Session{ID: m.SessionID, ProjectID: projectID, StartedAt: m.Timestamp, EndedAt: m.Timestamp}
			if err := p.store.CreateSession(ctx, sess); err != nil {
				if !errors.Is(err, storage.ErrDuplicate) {
					return nil, fmt.Errorf("session create failed: %w", err)
				}
			} else {
				acc.created = true
				stats.SessionsCreated++
			}
		} else if err != nil {
			return nil, fmt.Errorf("session lookup failed: %w", err)
		}
		sessions[m.SessionID] = acc
	}
	if m.Timestamp.Before(acc.minTS) {
		acc.minTS = m.Timestamp
	}
	if m.Timestamp.After(acc.maxTS) {
		acc.maxTS = m.Timestamp
	}
	return acc, nil
}

// applySessionRollups widens session bounds and applies counter deltas.
// Append mode adds the batch's contribution; overwrite mode recomputes the
// totals from the store so replaced costs do not accumulate.
func (p *Pipeline) applySessionRollups(ctx context.Context, overwrite bool, sessions map[string]*sessionAccum) {
	for id, acc := range sessions {
		if err := p.store.UpdateSessionBounds(ctx, id, acc.minTS, acc.maxTS, acc.inserted, acc.costMicros); err != nil {
			p.log.Warn("session bounds update failed", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if !overwrite {
			continue
		}
		f := sessionFilter(id, acc)
		count, err := p.store.CountMessages(ctx, f)
		if err != nil {
			p.log.Warn("session recount failed", zap.String("session_id", id), zap.Error(err))
			continue
		}
		aggs, err := p.store.AggregateCosts(ctx, f)
		if err != nil {
			p.log.Warn("session cost recompute failed", zap.String("session_id", id), zap.Error(err))
			continue
		}
		var cost int64
		for _, a := range aggs {
			cost += a.CostMicros
		}
		if err := p.store.SetSessionRollup(ctx, id, count, cost); err != nil {
			p.log.Warn("session rollup write failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// sessionFilter builds a filter wide enough to cover every partition the
// session could have touched, not just the batch's own window.
func sessionFilter(id string, acc *sessionAccum) storage.MessageFilter {
	ids := []string{id}
	start := acc.minTS.AddDate(-1, 0, 0)
	end := acc.maxTS.AddDate(0, 1, 0)
	return storage.MessageFilter{SessionIDs: &ids, Start: &start, End: &end}
}

func (p *Pipeline) bumpProjectCounters(ctx context.Context, batch *Batch, sessions map[string]*sessionAccum) {
	type delta struct {
		sessions, messages, bytes int64
	}
	deltas := map[string]*delta{}
	perSession := map[string]int64{} // Bytes by session
	for _, m := range batch.Messages {
		perSession[m.SessionID] += int64(len(m.Content))
	}
	for id, acc := range sessions {
		d := deltas[acc.projectID]
		if d == nil {
			d = &delta{}
			deltas[acc.projectID] = d
		}
		if acc.created {
			d.sessions++
		}
		d.messages += acc.inserted
		if acc.inserted > 0 {
			d.bytes += perSession[id]
		}
	}
	for projectID, d := range deltas {
		if d.sessions == 0 && d.messages == 0 {
			continue
		}
		if err := p.store.BumpProjectCounters(ctx, projectID, d.sessions, d.messages, d.bytes); err != nil {
			p.log.Warn("project counter bump failed", zap.String("project_id", projectID), zap.Error(err))
		}
	}
}

func (p *Pipeline) appendLog(ctx context.Context, principal types.Principal, jobID string, stats *Stats) {
	raw, err := json.Marshal(stats)
	if err != nil {
		return
	}
	l := &types.IngestionLog{ID: jobID, UserID: principal.UserID, Stats: raw}
	if err := p.store.AppendIngestionLog(ctx, l); err != nil {
		p.log.Warn("ingestion log append failed", zap.Error(err))
	}
}

var scriptFragment = regexp.MustCompile(`(?i)<\s*/?\s*script\b`)

// sanitize strips script-tag fragments from string values in the payload.
// Strings without a script fragment pass through untouched so code snippets
// survive verbatim.
func (p *Pipeline) sanitize(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !scriptFragment.Match(raw) {
		return raw
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return json.RawMessage(p.policy.Sanitize(string(raw)))
	}
	v = p.sanitizeValue(v)
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

func (p *Pipeline) sanitizeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case string:
		if scriptFragment.MatchString(x) {
			return p.policy.Sanitize(x)
		}
		return x
	case map[string]interface{}:
		for k, e := range x {
			x[k] = p.sanitizeValue(e)
		}
		return x
	case []interface{}:
		for i, e := range x {
			x[i] = p.sanitizeValue(e)
		}
		return x
	default:
		return v
	}
}

func projectName(path string) string {
	if path == UnknownProjectPath {
		return "Unassigned"
	}
	trimmed := strings.TrimRight(path, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
