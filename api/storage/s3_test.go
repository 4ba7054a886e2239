package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet/api/model"
)

func TestObjectKey(t *testing.T) {
	at := time.Date(2026, 3, 1, 23, 30, 0, 5, time.FixedZone("UTC-2", -2*3600))
	assert.Equal(t, "tasks/2026-03-02/1772415000000000005.jsonl", objectKey(at))
}

func TestEncodeJSONL(t *testing.T) {
	tasks := []model.Task{
		{ID: "t1", NodeID: "n1", Type: model.TaskDeploy, Status: model.TaskCompleted},
		{ID: "t2", NodeID: "n1", Type: model.TaskStop, Status: model.TaskFailed, Error: "boom"},
	}
	body, err := encodeJSONL(tasks)
	require.NoError(t, err)

	var got []model.Task
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var task model.Task
		require.NoError(t, json.Unmarshal(sc.Bytes(), &task))
		got = append(got, task)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].ID)
	assert.Equal(t, "boom", got[1].Error)
}

func TestNewClientRequiresBucket(t *testing.T) {
	_, err := NewClient(Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	c, err := NewClient(Config{Endpoint: "localhost:9000", Bucket: "fleet-archive"})
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", c.Endpoint())
}
