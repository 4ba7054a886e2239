package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"fleet/api/model"
)

// ErrNotFound is returned when a resource has no infraspec.yaml.
var ErrNotFound = errors.New("resource not in catalog")

// Catalog reads resource configuration from <dir>/<id>/infraspec.yaml. Files
// are read on every lookup so enrichment always reflects the current config.
type Catalog struct {
	dir string
}

func New(dir string) *Catalog {
	return &Catalog{dir: dir}
}

func (c *Catalog) Load(id string) (*model.InfraSpec, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, fmt.Errorf("invalid resource id %q", id)
	}
	spec, err := model.LoadInfraSpec(filepath.Join(c.dir, id, "infraspec.yaml"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	return spec, nil
}

func (c *Catalog) Application(_ context.Context, id string) (*model.ApplicationContext, error) {
	spec, err := c.Load(id)
	if err != nil {
		return nil, err
	}
	if spec.IsDatabase() {
		return nil, fmt.Errorf("%s is a database, not an application", id)
	}
	return spec.ApplicationContext(), nil
}

func (c *Catalog) Database(_ context.Context, id string) (*model.DatabaseContext, error) {
	spec, err := c.Load(id)
	if err != nil {
		return nil, err
	}
	if !spec.IsDatabase() {
		return nil, fmt.Errorf("%s is an application, not a database", id)
	}
	return spec.DatabaseContext(), nil
}

// List returns the ids of every directory carrying an infraspec.yaml.
func (c *Catalog) List() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(c.dir, e.Name(), "infraspec.yaml")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
