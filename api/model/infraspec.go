package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// InfraSpec is the on-disk description of one deployable resource, read from
// <apps_dir>/<id>/infraspec.yaml.
type InfraSpec struct {
	App       string            `yaml:"app" json:"app"`
	Role      string            `yaml:"role" json:"role"` // application (default) or database
	Port      int               `yaml:"port,omitempty" json:"port,omitempty"`
	Image     string            `yaml:"image,omitempty" json:"image,omitempty"`
	Repo      *RepoSpec         `yaml:"repo,omitempty" json:"repo,omitempty"`
	Resources *ResourceSpec     `yaml:"resources,omitempty" json:"resources,omitempty"`
	Replicas  int               `yaml:"replicas,omitempty" json:"replicas,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Database  *DatabaseSpec     `yaml:"database,omitempty" json:"database,omitempty"`
}

const (
	RoleApplication = "application"
	RoleDatabase    = "database"
)

func (s *InfraSpec) IsDatabase() bool { return s.Role == RoleDatabase }

type RepoSpec struct {
	URL    string `yaml:"url" json:"url"`
	Branch string `yaml:"branch,omitempty" json:"branch,omitempty"`
}

// ResourceSpec is the per-replica reservation in millicores and megabytes.
type ResourceSpec struct {
	CPU    int64 `yaml:"cpu,omitempty" json:"cpu,omitempty"`
	Memory int64 `yaml:"memory,omitempty" json:"memory,omitempty"`
	Disk   int64 `yaml:"disk,omitempty" json:"disk,omitempty"`
}

type DatabaseSpec struct {
	Engine       string `yaml:"engine" json:"engine"`
	Version      string `yaml:"version,omitempty" json:"version,omitempty"`
	StorageMB    int64  `yaml:"storageMb,omitempty" json:"storageMb,omitempty"`
	BackupBucket string `yaml:"backupBucket,omitempty" json:"backupBucket,omitempty"`
}

func LoadInfraSpec(path string) (*InfraSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec InfraSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, err
	}
	if spec.Role == "" {
		spec.Role = RoleApplication
	}
	if spec.Role != RoleApplication && spec.Role != RoleDatabase {
		return nil, fmt.Errorf("unknown role %q", spec.Role)
	}
	if spec.Replicas < 1 {
		spec.Replicas = 1
	}
	if spec.Resources == nil {
		spec.Resources = &ResourceSpec{}
	}
	if spec.Repo != nil && spec.Repo.Branch == "" {
		spec.Repo.Branch = "main"
	}
	if spec.IsDatabase() {
		if spec.Database == nil || spec.Database.Engine == "" {
			return nil, fmt.Errorf("database %q has no engine", spec.App)
		}
	}
	return &spec, nil
}

// Requirement is the capacity a placement of this resource needs on one node.
func (s *InfraSpec) Requirement() Capacity {
	req := Capacity{CPUMillicores: s.Resources.CPU, MemoryMB: s.Resources.Memory, DiskMB: s.Resources.Disk}
	if s.IsDatabase() && req.DiskMB == 0 {
		req.DiskMB = s.Database.StorageMB
	}
	return req
}

func (s *InfraSpec) ApplicationContext() *ApplicationContext {
	ctx := &ApplicationContext{
		Image:         s.Image,
		Port:          s.Port,
		CPUMillicores: s.Resources.CPU,
		MemoryMB:      s.Resources.Memory,
		Replicas:      s.Replicas,
		Env:           s.Env,
	}
	if s.Repo != nil {
		ctx.RepoURL = s.Repo.URL
		ctx.GitRef = s.Repo.Branch
	}
	return ctx
}

func (s *InfraSpec) DatabaseContext() *DatabaseContext {
	return &DatabaseContext{
		Engine:        s.Database.Engine,
		Version:       s.Database.Version,
		Port:          s.Port,
		CPUMillicores: s.Resources.CPU,
		MemoryMB:      s.Resources.Memory,
		StorageMB:     s.Database.StorageMB,
		BackupBucket:  s.Database.BackupBucket,
	}
}
