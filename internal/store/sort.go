package store

import (
	"sort"

	"subman/internal/model"
)

// Latency ranks used for ordering: measured nodes first by speed, then
// failures, then untested.
const (
	rankFailed   = int64(1) << 40
	rankUntested = int64(1) << 41
)

// SortIndexes returns registry indexes ordered by the given column
// ("name", "tcp", "http", or "" for feed order). Indexes let callers
// render a sorted view while keeping stable registry positions.
func SortIndexes(nodes []model.Node, column string, desc bool) []int {
	idx := make([]int, len(nodes))
	for i := range idx {
		idx[i] = i
	}
	if column == "" {
		return idx
	}

	less := func(a, b int) bool { return a < b }
	switch column {
	case "name":
		less = func(a, b int) bool {
			return nodes[a].DisplayName() < nodes[b].DisplayName()
		}
	case "tcp":
		less = func(a, b int) bool {
			return latencyRank(nodes[a].TCP) < latencyRank(nodes[b].TCP)
		}
	case "http":
		less = func(a, b int) bool {
			return latencyRank(nodes[a].HTTP) < latencyRank(nodes[b].HTTP)
		}
	}

	sort.SliceStable(idx, func(i, j int) bool {
		if desc {
			return less(idx[j], idx[i])
		}
		return less(idx[i], idx[j])
	})
	return idx
}

func latencyRank(l model.Latency) int64 {
	switch {
	case l.Status == model.StatusOK:
		return l.Millis
	case l.Status.Tested():
		return rankFailed
	default:
		return rankUntested
	}
}
