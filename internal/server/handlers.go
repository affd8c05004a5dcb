package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/claudelens/claudelens/internal/apperr"
	"github.com/claudelens/claudelens/internal/backup"
	"github.com/claudelens/claudelens/internal/ingest"
	"github.com/claudelens/claudelens/internal/restore"
	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/types"
)

// maxBodyBytes bounds request bodies; a full ingest batch of large
// messages stays well under this.
const maxBodyBytes = 64 << 20

func decodeBody(r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.Validation, "bad_request_body", "request body is not valid JSON for this endpoint", err)
	}
	return nil
}

func requireAdmin(p types.Principal) error {
	if !p.IsAdmin() {
		return apperr.New(apperr.Forbidden, "admin_required", "endpoint requires the admin role")
	}
	return nil
}

// ── Ingest ──────────────────────────────────────────────────────────────────

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	var batch ingest.Batch
	if err := decodeBody(r, &batch); err != nil {
		return err
	}
	jobID, stats, err := s.pipeline.Ingest(r.Context(), p, &batch)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": jobID, "stats": stats})
	return nil
}

// ── Messages ────────────────────────────────────────────────────────────────

// messageFilterFrom parses the shared query-parameter set into a filter.
func messageFilterFrom(r *http.Request) (storage.MessageFilter, error) {
	q := r.URL.Query()
	var f storage.MessageFilter

	if ids, ok := q["session_id"]; ok {
		f.SessionIDs = &ids
	}
	for _, t := range q["type"] {
		mt := types.MessageType(t)
		if !mt.IsValid() {
			return f, apperr.New(apperr.Validation, "bad_message_type", fmt.Sprintf("unknown message type %q", t))
		}
		f.Types = append(f.Types, mt)
	}
	f.Model = q.Get("model")

	for key, dst := range map[string]**time.Time{"start": &f.Start, "end": &f.End} {
		if v := q.Get(key); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, apperr.Wrap(apperr.Validation, "bad_time", fmt.Sprintf("%s is not RFC 3339", key), err)
			}
			*dst = &ts
		}
	}

	switch q.Get("sort") {
	case "", "desc":
		f.Sort = storage.SortDesc
	case "asc":
		f.Sort = storage.SortAsc
	default:
		return f, apperr.New(apperr.Validation, "bad_sort", "sort must be asc or desc")
	}

	f.Limit = intParam(q.Get("limit"), 100)
	if f.Limit > 1000 {
		f.Limit = 1000
	}
	f.Offset = intParam(q.Get("offset"), 0)
	return f, nil
}

func intParam(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) handleQueryMessages(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	f, err := messageFilterFrom(r)
	if err != nil {
		return err
	}
	f, err = s.owner.Filter(r.Context(), p, f)
	if err != nil {
		return err
	}
	msgs, err := s.store.QueryMessages(r.Context(), f)
	if err != nil {
		return err
	}
	total, err := s.store.CountMessages(r.Context(), f)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs, "total": total})
	return nil
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	uuid := r.PathValue("uuid")
	var hint *time.Time
	if v := r.URL.Query().Get("timestamp"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			hint = &ts
		}
	}
	m, err := s.store.GetMessage(r.Context(), uuid, hint)
	if err != nil {
		return err
	}
	if err := s.owner.RequireSession(r.Context(), p, m.SessionID); err != nil {
		// Existence of a foreign message is not disclosed.
		return apperr.New(apperr.NotFound, "message_not_found", "message does not exist")
	}
	writeJSON(w, http.StatusOK, m)
	return nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	query := r.URL.Query().Get("q")
	if query == "" {
		return apperr.New(apperr.Validation, "empty_query", "q parameter is required")
	}
	f, err := messageFilterFrom(r)
	if err != nil {
		return err
	}
	f, err = s.owner.Filter(r.Context(), p, f)
	if err != nil {
		return err
	}
	msgs, err := s.store.SearchMessages(r.Context(), query, f)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs, "count": len(msgs)})
	return nil
}

// ── Analytics ───────────────────────────────────────────────────────────────

func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	f, err := messageFilterFrom(r)
	if err != nil {
		return err
	}
	f, err = s.owner.Filter(r.Context(), p, f)
	if err != nil {
		return err
	}
	aggs, err := s.store.AggregateCosts(r.Context(), f)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": aggs})
	return nil
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		userID = p.UserID
	}
	if userID != p.UserID {
		if err := requireAdmin(p); err != nil {
			return err
		}
	}
	axis := types.LimitAxis(q.Get("axis"))
	if !axis.IsValid() {
		return apperr.New(apperr.Validation, "bad_axis", fmt.Sprintf("unknown axis %q", q.Get("axis")))
	}
	interval := types.AggregateInterval(q.Get("interval"))
	if interval == "" {
		interval = types.IntervalHour
	}
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	if v := q.Get("start"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return apperr.Wrap(apperr.Validation, "bad_time", "start is not RFC 3339", err)
		}
		start = ts
	}
	if v := q.Get("end"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return apperr.Wrap(apperr.Validation, "bad_time", "end is not RFC 3339", err)
		}
		end = ts
	}
	aggs, err := s.limits.Aggregate(r.Context(), userID, axis, interval, start, end)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"usage": aggs})
	return nil
}

// ── Projects and sessions ───────────────────────────────────────────────────

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	projects, err := s.owner.ProjectsOf(r.Context(), p)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
	return nil
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	id := r.PathValue("id")
	owns, err := s.owner.OwnsProject(r.Context(), p, id)
	if err != nil {
		return err
	}
	if !owns {
		return apperr.New(apperr.NotFound, "project_not_found", "project does not exist")
	}
	if err := s.store.DeleteProjectCascade(r.Context(), id); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
	return nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	projectID := r.URL.Query().Get("project_id")
	var sessions []*types.Session
	var err error
	if projectID != "" {
		owns, oerr := s.owner.OwnsProject(r.Context(), p, projectID)
		if oerr != nil {
			return oerr
		}
		if !owns {
			return apperr.New(apperr.NotFound, "project_not_found", "project does not exist")
		}
		sessions, err = s.store.ListSessions(r.Context(), []string{projectID})
	} else {
		sessions, err = s.owner.SessionsOf(r.Context(), p)
	}
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
	return nil
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	id := r.PathValue("id")
	if err := s.owner.RequireSession(r.Context(), p, id); err != nil {
		return apperr.New(apperr.NotFound, "session_not_found", "session does not exist")
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, sess)
	return nil
}

// ── Backups and restores ────────────────────────────────────────────────────

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	var req backup.Request
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	meta, err := s.backups.Launch(r.Context(), p, &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"job_id": meta.ID, "backup": meta})
	return nil
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	createdBy := p.UserID
	if p.IsAdmin() && r.URL.Query().Get("all") == "true" {
		createdBy = ""
	}
	backups, err := s.store.ListBackups(r.Context(), createdBy)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"backups": backups})
	return nil
}

func (s *Server) authorizedBackup(r *http.Request, p types.Principal) (*types.BackupMetadata, error) {
	meta, err := s.store.GetBackup(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin() && meta.CreatedBy != p.UserID {
		return nil, apperr.New(apperr.NotFound, "backup_not_found", "backup does not exist")
	}
	return meta, nil
}

func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	meta, err := s.authorizedBackup(r, p)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, meta)
	return nil
}

func (s *Server) handlePreviewBackup(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	preview, err := s.restores.Preview(r.Context(), p, r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, preview)
	return nil
}

func (s *Server) handleDeleteBackup(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	id := r.PathValue("id")
	if err := s.backups.Delete(r.Context(), p, id); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
	return nil
}

func (s *Server) handleCreateRestore(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	var req restore.Request
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	job, err := s.restores.Launch(r.Context(), p, &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"job_id": job.ID, "restore": job})
	return nil
}

func (s *Server) handleGetRestore(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	job, err := s.store.GetRestoreJob(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	if !p.IsAdmin() && job.CreatedBy != p.UserID {
		return apperr.New(apperr.NotFound, "restore_not_found", "restore job does not exist")
	}
	writeJSON(w, http.StatusOK, job)
	return nil
}

// ── Limits ──────────────────────────────────────────────────────────────────

func (s *Server) handleGetLimits(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	if err := requireAdmin(p); err != nil {
		return err
	}
	settings, err := s.store.GetLimitSettings(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, settings)
	return nil
}

func (s *Server) handlePutLimits(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	if err := requireAdmin(p); err != nil {
		return err
	}
	var settings types.LimitSettings
	if err := decodeBody(r, &settings); err != nil {
		return err
	}
	for axis := range settings.Axes {
		if !axis.IsValid() {
			return apperr.New(apperr.Validation, "bad_axis", fmt.Sprintf("unknown axis %q", axis))
		}
	}
	if err := s.limits.UpdateSettings(r.Context(), &settings); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, &settings)
	return nil
}

// ── Sync state ──────────────────────────────────────────────────────────────

func (s *Server) handleGetSync(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	if p.IsAnonymous() {
		return apperr.New(apperr.Unauthorized, "sync_unauthorized", "sync state requires authentication")
	}
	state, err := s.store.GetSyncState(r.Context(), p.UserID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, state)
	return nil
}

func (s *Server) handlePutSync(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	if p.IsAnonymous() {
		return apperr.New(apperr.Unauthorized, "sync_unauthorized", "sync state requires authentication")
	}
	var state types.SyncState
	if err := decodeBody(r, &state); err != nil {
		return err
	}
	// The watermark always belongs to the caller.
	state.UserID = p.UserID
	if err := s.store.SetSyncState(r.Context(), &state); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, &state)
	return nil
}

// ── Tokens ──────────────────────────────────────────────────────────────────

func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	if err := requireAdmin(p); err != nil {
		return err
	}
	var req struct {
		UserID     string `json:"user_id"`
		Role       string `json:"role"`
		TTLSeconds int64  `json:"ttl_seconds"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.UserID == "" {
		return apperr.New(apperr.Validation, "missing_user_id", "user_id is required")
	}
	role := types.Role(req.Role)
	if role != types.RoleAdmin && role != types.RoleUser {
		return apperr.New(apperr.Validation, "bad_role", "role must be admin or user")
	}
	if req.TTLSeconds <= 0 {
		req.TTLSeconds = 3600
	}
	expiry := time.Now().UTC().Add(time.Duration(req.TTLSeconds) * time.Second)
	token := s.resolver.MintToken(req.UserID, role, expiry)
	writeJSON(w, http.StatusOK, map[string]interface{}{"token": token, "expires_at": expiry})
	return nil
}
