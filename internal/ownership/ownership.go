// Package ownership answers "what can this principal see" and turns the
// answer into store predicates.
//
// Ownership is hierarchical: a principal owns projects, projects own
// sessions, sessions own messages. Admin principals bypass every filter.
// Results are computed per call; there is no cross-request cache.
package ownership

import (
	"context"
	"errors"
	"fmt"

	"github.com/claudelens/claudelens/internal/apperr"
	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/types"
)

// Resolver walks the project → session hierarchy for a principal.
type Resolver struct {
	store storage.Store
}

func NewResolver(store storage.Store) *Resolver {
	return &Resolver{store: store}
}

// ProjectsOf returns the projects the principal may see. Admin sees all.
func (r *Resolver) ProjectsOf(ctx context.Context, p types.Principal) ([]*types.Project, error) {
	if p.IsAdmin() {
		return r.store.ListAllProjects(ctx)
	}
	if p.IsAnonymous() {
		return nil, nil
	}
	return r.store.ListProjects(ctx, p.UserID)
}

// SessionsOf returns the sessions reachable from the principal's projects.
func (r *Resolver) SessionsOf(ctx context.Context, p types.Principal) ([]*types.Session, error) {
	projects, err := r.ProjectsOf(ctx, p)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(projects))
	for i, proj := range projects {
		ids[i] = proj.ID
	}
	return r.store.ListSessions(ctx, ids)
}

// OwnsProject reports whether the principal owns (or may administer) the
// given project. Unknown projects are not owned.
func (r *Resolver) OwnsProject(ctx context.Context, p types.Principal, projectID string) (bool, error) {
	if p.IsAdmin() {
		return true, nil
	}
	if p.IsAnonymous() {
		return false, nil
	}
	proj, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return proj.OwnerID == p.UserID, nil
}

// OwnsSession reports whether the principal owns the session through its
// parent project.
func (r *Resolver) OwnsSession(ctx context.Context, p types.Principal, sessionID string) (bool, error) {
	if p.IsAdmin() {
		return true, nil
	}
	if p.IsAnonymous() {
		return false, nil
	}
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return r.OwnsProject(ctx, p, sess.ProjectID)
}

// Filter injects the principal's session-id predicate into a message
// filter. Admin leaves the filter untouched (no predicate); everyone else
// gets the exact session set they own, which may be empty and then matches
// nothing.
func (r *Resolver) Filter(ctx context.Context, p types.Principal, f storage.MessageFilter) (storage.MessageFilter, error) {
	if p.IsAdmin() {
		return f, nil
	}
	sessions, err := r.SessionsOf(ctx, p)
	if err != nil {
		return f, fmt.Errorf("failed to resolve ownership: %w", err)
	}
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	if f.SessionIDs != nil {
		// The caller already narrowed to specific sessions; intersect so a
		// request can never widen past what the principal owns.
		ids = intersect(*f.SessionIDs, ids)
	}
	f.SessionIDs = &ids
	return f, nil
}

// RequireSession returns a forbidden error unless the principal owns the
// session. Used by handlers before single-session operations.
func (r *Resolver) RequireSession(ctx context.Context, p types.Principal, sessionID string) error {
	ok, err := r.OwnsSession(ctx, p, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.Forbidden, "session_forbidden",
			fmt.Sprintf("session %s is not accessible", sessionID))
	}
	return nil
}

func intersect(requested, owned []string) []string {
	set := make(map[string]struct{}, len(owned))
	for _, id := range owned {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(requested))
	for _, id := range requested {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || apperr.Is(err, apperr.NotFound)
}
