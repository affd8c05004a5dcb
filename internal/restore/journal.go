package restore

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/types"
)

// journal records every mutation of an apply pass so a failure can revert
// the store to its pre-restore state. Rollback is idempotent: replaying it
// against an already-reverted store is a no-op.
type journal struct {
	insertedMessages []string
	insertedSessions []string
	insertedProjects []string

	preMessages map[string]*types.Message
	preSessions map[string]*types.Session
	preProjects map[string]*types.Project
}

func newJournal() *journal {
	return &journal{
		preMessages: make(map[string]*types.Message),
		preSessions: make(map[string]*types.Session),
		preProjects: make(map[string]*types.Project),
	}
}

func (j *journal) recordInsert(collection, id string) {
	switch collection {
	case "messages":
		j.insertedMessages = append(j.insertedMessages, id)
	case "sessions":
		j.insertedSessions = append(j.insertedSessions, id)
	case "projects":
		j.insertedProjects = append(j.insertedProjects, id)
	}
}

// recordPreMessage keeps the first pre-image only; a document touched twice
// in one restore must roll back to its original state.
func (j *journal) recordPreMessage(m *types.Message) {
	if _, ok := j.preMessages[m.UUID]; !ok {
		j.preMessages[m.UUID] = m
	}
}

func (j *journal) recordPreSession(s *types.Session) {
	if _, ok := j.preSessions[s.ID]; !ok {
		j.preSessions[s.ID] = s
	}
}

func (j *journal) recordPreProject(p *types.Project) {
	if _, ok := j.preProjects[p.ID]; !ok {
		j.preProjects[p.ID] = p
	}
}

// rollback reverts every journaled mutation. Deletions run before
// pre-image restoration so a renamed-then-overwritten id cannot clash.
func (j *journal) rollback(ctx context.Context, store storage.Store, log *zap.Logger) error {
	var failed error

	for _, uuid := range j.insertedMessages {
		if err := store.DeleteMessage(ctx, uuid); err != nil {
			log.Warn("rollback message delete failed", zap.String("uuid", uuid), zap.Error(err))
			failed = err
		}
	}
	for _, id := range j.insertedSessions {
		if err := store.DeleteSession(ctx, id); err != nil {
			log.Warn("rollback session delete failed", zap.String("session_id", id), zap.Error(err))
			failed = err
		}
	}
	for _, id := range j.insertedProjects {
		if err := store.DeleteProjectCascade(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Warn("rollback project delete failed", zap.String("project_id", id), zap.Error(err))
			failed = err
		}
	}

	for _, p := range j.preProjects {
		if err := store.UpdateProject(ctx, p); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				err = store.CreateProject(ctx, p)
			}
			if err != nil {
				log.Warn("rollback project restore failed", zap.String("project_id", p.ID), zap.Error(err))
				failed = err
			}
		}
	}
	for _, s := range j.preSessions {
		if err := store.UpdateSession(ctx, s); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				err = store.CreateSession(ctx, s)
			}
			if err != nil {
				log.Warn("rollback session restore failed", zap.String("session_id", s.ID), zap.Error(err))
				failed = err
			}
		}
	}
	for _, m := range j.preMessages {
		if err := store.ReplaceMessage(ctx, m); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				err = store.InsertMessage(ctx, m)
			}
			if err != nil && !errors.Is(err, storage.ErrDuplicate) {
				log.Warn("rollback message restore failed", zap.String("uuid", m.UUID), zap.Error(err))
				failed = err
			}
		}
	}
	return failed
}
