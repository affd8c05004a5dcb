package sqlite

import (
	"context"

	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/types"
)

// SearchMessages is the text search entry point: a substring match over the
// message payload, fanned out across the filter's partitions. It reuses the
// standard query path so the tenant predicate, window, and pagination apply
// identically.
func (s *Store) SearchMessages(ctx context.Context, query string, f storage.MessageFilter) ([]*types.Message, error) {
	f.Search = query
	if f.Limit == 0 {
		f.Limit = 100
	}
	if f.Sort == "" {
		f.Sort = storage.SortDesc
	}
	return s.QueryMessages(ctx, f)
}
