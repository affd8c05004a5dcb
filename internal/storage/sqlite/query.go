package sqlite

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/types"
)

// fanoutLimit bounds per-query parallelism. Queries rarely span more than a
// handful of months; the cap matters only for unbounded admin scans.
const fanoutLimit = 8

// relevantPartitions resolves the filter's window to the existing
// partitions it intersects, oldest first.
func (s *Store) relevantPartitions(ctx context.Context, f storage.MessageFilter) ([]string, error) {
	start, end := storage.WindowOf(f, time.Now())
	return s.existingPartitions(ctx, storage.PartitionRange(start, end))
}

// buildWhere translates a filter into a WHERE clause shared by every
// partition in the fan-out.
func buildWhere(f storage.MessageFilter, now time.Time) (string, []interface{}) {
	start, end := storage.WindowOf(f, now)
	clauses := []string{"timestamp >= ?", "timestamp <= ?"}
	args := []interface{}{fmtTime(start), fmtTime(end)}

	if f.SessionIDs != nil {
		ids := *f.SessionIDs
		if len(ids) == 0 {
			clauses = append(clauses, "1 = 0") // Tenant owns nothing: match nothing
		} else {
			clauses = append(clauses, fmt.Sprintf("session_id IN (%s)", placeholders(len(ids))))
			for _, id := range ids {
				args = append(args, id)
			}
		}
	}
	if len(f.Types) > 0 {
		clauses = append(clauses, fmt.Sprintf("type IN (%s)", placeholders(len(f.Types))))
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if f.Search != "" {
		clauses = append(clauses, `content LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(f.Search)+"%")
	}
	return strings.Join(clauses, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// QueryMessages dispatches the filter to every relevant partition in
// parallel, merges the results, re-sorts by (timestamp, uuid), and applies
// offset/limit after the merge.
func (s *Store) QueryMessages(ctx context.Context, f storage.MessageFilter) ([]*types.Message, error) {
	parts, err := s.relevantPartitions(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, nil
	}

	where, args := buildWhere(f, time.Now())

	// Each partition fetches offset+limit rows; the true page is cut after
	// the merge. Cheaper than merging unbounded result sets.
	perPart := 0
	if f.Limit > 0 {
		perPart = f.Limit + f.Offset
	}

	var mu sync.Mutex
	var merged []*types.Message

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanoutLimit)
	for _, part := range parts {
		part := part
		g.Go(func() error {
			q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY timestamp, uuid`, messageCols, part, where)
			if f.Sort == storage.SortDesc {
				q = fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY timestamp DESC, uuid DESC`, messageCols, part, where)
			}
			if perPart > 0 {
				q += fmt.Sprintf(" LIMIT %d", perPart)
			}
			rows, err := s.db.QueryContext(gctx, q, args...)
			if err != nil {
				return fmt.Errorf("query %s: %w", part, err)
			}
			defer func() { _ = rows.Close() }()

			var local []*types.Message
			for rows.Next() {
				m, err := scanMessage(rows)
				if err != nil {
					return err
				}
				local = append(local, m)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			mu.Lock()
			merged = append(merged, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortMessages(merged, f.Sort)
	if f.Offset > 0 {
		if f.Offset >= len(merged) {
			return nil, nil
		}
		merged = merged[f.Offset:]
	}
	if f.Limit > 0 && len(merged) > f.Limit {
		merged = merged[:f.Limit]
	}
	return merged, nil
}

// CountMessages sums per-partition counts for the filter.
func (s *Store) CountMessages(ctx context.Context, f storage.MessageFilter) (int64, error) {
	parts, err := s.relevantPartitions(ctx, f)
	if err != nil {
		return 0, err
	}
	where, args := buildWhere(f, time.Now())

	var total int64
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanoutLimit)
	for _, part := range parts {
		part := part
		g.Go(func() error {
			var n int64
			q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, part, where)
			if err := s.db.QueryRowContext(gctx, q, args...).Scan(&n); err != nil {
				return fmt.Errorf("count %s: %w", part, err)
			}
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return total, nil
}

// AggregateCosts groups cost and token usage by model across partitions,
// concatenating per-partition pipeline results and reducing them by model
// after the merge.
func (s *Store) AggregateCosts(ctx context.Context, f storage.MessageFilter) ([]storage.CostAggregate, error) {
	parts, err := s.relevantPartitions(ctx, f)
	if err != nil {
		return nil, err
	}
	where, args := buildWhere(f, time.Now())

	byModel := make(map[string]*storage.CostAggregate)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanoutLimit)
	for _, part := range parts {
		part := part
		g.Go(func() error {
			q := fmt.Sprintf(`
				SELECT model, COUNT(*), COALESCE(SUM(cost_micros), 0),
				       COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
				FROM %s WHERE %s GROUP BY model`, part, where)
			rows, err := s.db.QueryContext(gctx, q, args...)
			if err != nil {
				return fmt.Errorf("aggregate %s: %w", part, err)
			}
			defer func() { _ = rows.Close() }()
			for rows.Next() {
				var a storage.CostAggregate
				if err := rows.Scan(&a.Model, &a.Messages, &a.CostMicros, &a.InputTokens, &a.OutputTokens); err != nil {
					return err
				}
				mu.Lock()
				if agg, ok := byModel[a.Model]; ok {
					agg.Messages += a.Messages
					agg.CostMicros += a.CostMicros
					agg.InputTokens += a.InputTokens
					agg.OutputTokens += a.OutputTokens
				} else {
					row := a
					byModel[a.Model] = &row
				}
				mu.Unlock()
			}
			return rows.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]storage.CostAggregate, 0, len(byModel))
	for _, a := range byModel {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CostMicros > out[j].CostMicros })
	return out, nil
}
