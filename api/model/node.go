package model

import "time"

type NodeStatus string

const (
	NodeProvisioning NodeStatus = "provisioning"
	NodeOnline       NodeStatus = "online"
	NodeOffline      NodeStatus = "offline"
)

// NodeOverride is the operator-set scheduling exclusion. It is orthogonal to liveness.
type NodeOverride string

const (
	OverrideNone        NodeOverride = ""
	OverrideDisabled    NodeOverride = "disabled"
	OverrideMaintenance NodeOverride = "maintenance"
)

func (o NodeOverride) Valid() bool {
	switch o {
	case OverrideNone, OverrideDisabled, OverrideMaintenance:
		return true
	}
	return false
}

// Capacity is expressed in millicores and megabytes. It doubles as a
// placement requirement.
type Capacity struct {
	CPUMillicores int64 `json:"cpuMillicores"`
	MemoryMB      int64 `json:"memoryMb"`
	DiskMB        int64 `json:"diskMb"`
}

func (c Capacity) Valid() bool {
	return c.CPUMillicores > 0 && c.MemoryMB > 0 && c.DiskMB > 0
}

type Usage struct {
	CPUMillicores int64 `json:"cpuMillicores"`
	MemoryMB      int64 `json:"memoryMb"`
	DiskMB        int64 `json:"diskMb"`
	Containers    int   `json:"containers"`
}

type Node struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Org           string       `json:"org"`
	Region        string       `json:"region"`
	Hostname      string       `json:"hostname,omitempty"`
	Status        NodeStatus   `json:"status"`
	Override      NodeOverride `json:"override,omitempty"`
	Capacity      Capacity     `json:"capacity"`
	Usage         Usage        `json:"usage"`
	Secret        string       `json:"-"`
	LastHeartbeat *time.Time   `json:"lastHeartbeat,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// Schedulable reports whether the node may receive new placements.
func (n *Node) Schedulable() bool {
	return n.Status == NodeOnline && n.Override == OverrideNone
}

// Headroom is total minus used in every dimension. It can be negative when a
// heartbeat reports more usage than the registered capacity.
func (n *Node) Headroom() Capacity {
	return Capacity{
		CPUMillicores: n.Capacity.CPUMillicores - n.Usage.CPUMillicores,
		MemoryMB:      n.Capacity.MemoryMB - n.Usage.MemoryMB,
		DiskMB:        n.Capacity.DiskMB - n.Usage.DiskMB,
	}
}

// Registration is what a worker presents when redeeming its token.
type Registration struct {
	Token       string `json:"registrationToken"`
	Name        string `json:"name,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	CPUTotal    int64  `json:"cpuTotal"`
	MemoryTotal int64  `json:"memoryTotal"`
	DiskTotal   int64  `json:"diskTotal"`
}

func (r Registration) Capacity() Capacity {
	return Capacity{CPUMillicores: r.CPUTotal, MemoryMB: r.MemoryTotal, DiskMB: r.DiskTotal}
}

type RegistrationToken struct {
	Token     string     `json:"token,omitempty"`
	NodeID    string     `json:"nodeId"`
	Org       string     `json:"org"`
	Region    string     `json:"region"`
	ExpiresAt time.Time  `json:"expiresAt"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Heartbeat is the periodic usage snapshot a worker sends.
type Heartbeat struct {
	CPUUsed            int64       `json:"cpuUsed"`
	MemoryUsed         int64       `json:"memoryUsed"`
	DiskUsed           int64       `json:"diskUsed"`
	ContainerCount     int         `json:"containerCount"`
	ApplicationMetrics []AppMetric `json:"applicationMetrics,omitempty"`
}

func (h Heartbeat) Usage() Usage {
	return Usage{
		CPUMillicores: h.CPUUsed,
		MemoryMB:      h.MemoryUsed,
		DiskMB:        h.DiskUsed,
		Containers:    h.ContainerCount,
	}
}

type AppMetric struct {
	AppID         string `json:"appId"`
	CPUMillicores int64  `json:"cpuMillicores"`
	MemoryMB      int64  `json:"memoryMb"`
	Containers    int    `json:"containers"`
	Restarts      int    `json:"restarts"`
}
