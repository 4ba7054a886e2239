package model

// TaskContext carries the runtime configuration of a task's target resource.
// Exactly one of Application or Database is set, selected by Kind.
type TaskContext struct {
	Kind        ResourceType        `json:"kind"`
	Application *ApplicationContext `json:"application,omitempty"`
	Database    *DatabaseContext    `json:"database,omitempty"`
	// Error is set instead of a context when resolution failed; the task is
	// still delivered with its stored payload.
	Error string `json:"error,omitempty"`
}

type ApplicationContext struct {
	RepoURL       string            `json:"repoUrl,omitempty"`
	GitRef        string            `json:"gitRef,omitempty"`
	Image         string            `json:"image,omitempty"`
	Port          int               `json:"port,omitempty"`
	CPUMillicores int64             `json:"cpuMillicores,omitempty"`
	MemoryMB      int64             `json:"memoryMb,omitempty"`
	Replicas      int               `json:"replicas,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

type DatabaseContext struct {
	Engine        string `json:"engine"`
	Version       string `json:"version,omitempty"`
	Port          int    `json:"port,omitempty"`
	CPUMillicores int64  `json:"cpuMillicores,omitempty"`
	MemoryMB      int64  `json:"memoryMb,omitempty"`
	StorageMB     int64  `json:"storageMb,omitempty"`
	BackupBucket  string `json:"backupBucket,omitempty"`
}
