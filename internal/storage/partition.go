package storage

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// PartitionPrefix is the physical-table prefix for message partitions.
const PartitionPrefix = "messages_"

// DefaultQueryWindow is applied when a fan-out query carries no explicit
// time bound.
const DefaultQueryWindow = 90 * 24 * time.Hour

var partitionPattern = regexp.MustCompile(`^messages_(\d{4})_(\d{2})$`)

// PartitionName computes the physical collection for a message timestamp:
// "messages_" + YYYY + "_" + MM, calendar month in UTC.
func PartitionName(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%s%04d_%02d", PartitionPrefix, u.Year(), int(u.Month()))
}

// ParsePartition extracts the (year, month) key from a partition name.
func ParsePartition(name string) (year int, month time.Month, ok bool) {
	m := partitionPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	y, _ := strconv.Atoi(m[1])
	mo, _ := strconv.Atoi(m[2])
	if mo < 1 || mo > 12 {
		return 0, 0, false
	}
	return y, time.Month(mo), true
}

// PartitionRange enumerates every partition name in [PartitionName(start),
// PartitionName(end)], inclusive, oldest first. Callers filter the result
// to partitions that physically exist before dispatching.
func PartitionRange(start, end time.Time) []string {
	s, e := start.UTC(), end.UTC()
	if e.Before(s) {
		s, e = e, s
	}
	var names []string
	y, m := s.Year(), s.Month()
	endY, endM := e.Year(), e.Month()
	for y < endY || (y == endY && m <= endM) {
		names = append(names, PartitionName(time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)))
		m++
		if m > time.December {
			m = time.January
			y++
		}
	}
	return names
}

// WindowOf resolves a filter's effective [start, end] bounds, applying the
// default trailing window when none is given.
func WindowOf(f MessageFilter, now time.Time) (time.Time, time.Time) {
	end := now.UTC()
	if f.End != nil {
		end = f.End.UTC()
	}
	start := end.Add(-DefaultQueryWindow)
	if f.Start != nil {
		start = f.Start.UTC()
	}
	return start, end
}
