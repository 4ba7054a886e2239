package scheduler

import (
	"sort"

	"fleet/api/model"
)

// score is the smallest free fraction across cpu, memory and disk.
func score(n *model.Node) float64 {
	free := n.Headroom()
	return min(
		fraction(free.CPUMillicores, n.Capacity.CPUMillicores),
		fraction(free.MemoryMB, n.Capacity.MemoryMB),
		fraction(free.DiskMB, n.Capacity.DiskMB),
	)
}

func fraction(free, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(free) / float64(total)
}

// rank orders candidates by score descending, then node id ascending.
func rank(nodes []model.Node) []Candidate {
	out := make([]Candidate, len(nodes))
	for i := range nodes {
		out[i] = Candidate{Node: nodes[i], Score: score(&nodes[i])}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Node.ID < out[j].Node.ID
	})
	return out
}
