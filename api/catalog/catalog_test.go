package catalog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet/api/catalog"
	"fleet/api/model"
	"fleet/api/registry"
	"fleet/api/store"
	"fleet/api/tasks"
)

var _ tasks.Source = (*catalog.Catalog)(nil)

func write(t *testing.T, dir, id, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, id), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id, "infraspec.yaml"), []byte(body), 0644))
}

func TestApplicationAndDatabase(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "web", "app: web\nport: 8080\nimage: web:1\n")
	write(t, dir, "orders-db", "app: orders-db\nrole: database\ndatabase:\n  engine: postgres\n  version: \"16\"\n")
	c := catalog.New(dir)
	ctx := context.Background()

	app, err := c.Application(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, 8080, app.Port)
	assert.Equal(t, "web:1", app.Image)

	db, err := c.Database(ctx, "orders-db")
	require.NoError(t, err)
	assert.Equal(t, "postgres", db.Engine)

	_, err = c.Database(ctx, "web")
	assert.Error(t, err)
	_, err = c.Application(ctx, "orders-db")
	assert.Error(t, err)
}

func TestReadsCurrentConfig(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "web", "app: web\nimage: web:1\n")
	c := catalog.New(dir)

	app, err := c.Application(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, "web:1", app.Image)

	write(t, dir, "web", "app: web\nimage: web:2\n")
	app, err = c.Application(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, "web:2", app.Image)
}

func TestMissingAndInvalidIDs(t *testing.T) {
	c := catalog.New(t.TempDir())
	_, err := c.Application(context.Background(), "ghost")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	for _, id := range []string{"", "..", "../etc", "a/b"} {
		_, err := c.Load(id)
		assert.Error(t, err, id)
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "web", "app: web\n")
	write(t, dir, "api", "app: api\n")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0755))

	ids, err := catalog.New(dir).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "web"}, ids)
}

func TestEnrichmentThroughResolvers(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "web", "app: web\nport: 3000\n")
	mem := store.NewMemory()
	reg := registry.New(mem, registry.Options{})
	ctx := context.Background()
	tok, err := reg.IssueRegistrationToken(ctx, "acme", "eu", "")
	require.NoError(t, err)

	q := tasks.New(mem, reg, tasks.Options{Resolvers: tasks.DefaultResolvers(catalog.New(dir))})
	_, err = q.Enqueue(ctx, model.TaskRequest{NodeID: tok.NodeID, Type: model.TaskDeploy, ResourceType: model.ResourceApplication, ResourceID: "web"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, model.TaskRequest{NodeID: tok.NodeID, Type: model.TaskDeploy, ResourceType: model.ResourceApplication, ResourceID: "ghost"})
	require.NoError(t, err)

	pending, err := q.PendingForNode(ctx, tok.NodeID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.NotNil(t, pending[0].Context.Application)
	assert.Equal(t, 3000, pending[0].Context.Application.Port)
	assert.Contains(t, pending[1].Context.Error, "resource not in catalog")
}
