package scheduler

import "fleet/api/model"

// filterNodes drops nodes that cannot host req at all.
func filterNodes(region string, req model.Capacity, nodes []model.Node) []model.Node {
	var out []model.Node
	for _, n := range nodes {
		if fits(region, req, &n) {
			out = append(out, n)
		}
	}
	return out
}

func fits(region string, req model.Capacity, n *model.Node) bool {
	if !n.Schedulable() {
		return false
	}
	if region != "" && n.Region != region {
		return false
	}
	free := n.Headroom()
	return free.CPUMillicores >= req.CPUMillicores &&
		free.MemoryMB >= req.MemoryMB &&
		free.DiskMB >= req.DiskMB
}
