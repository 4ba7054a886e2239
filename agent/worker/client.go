package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"fleet/api/model"
	"fleet/api/registry"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

type registerResponse struct {
	NodeID string `json:"nodeId"`
	Secret string `json:"secret"`
	Region string `json:"region"`
}

// Register redeems a registration token with the host's measured capacity.
func Register(ctx context.Context, apiURL, token, name string, sampler Sampler) (*State, error) {
	capacity, err := sampler.Capacity(ctx)
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()
	if name == "" {
		name = hostname
	}
	req := model.Registration{
		Token:       token,
		Name:        name,
		Hostname:    hostname,
		CPUTotal:    capacity.CPUMillicores,
		MemoryTotal: capacity.MemoryMB,
		DiskTotal:   capacity.DiskMB,
	}
	var resp registerResponse
	if err := post(ctx, strings.TrimRight(apiURL, "/")+"/api/agent/register", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &State{APIURL: strings.TrimRight(apiURL, "/"), NodeID: resp.NodeID, Secret: resp.Secret, Region: resp.Region}, nil
}

// reportHTTP posts a status report over the REST path, used while the
// control channel is down.
func reportHTTP(ctx context.Context, st *State, ttl time.Duration, rep model.StatusReport) error {
	token, err := registry.SignSession(st.NodeID, st.Secret, ttl, time.Now())
	if err != nil {
		return err
	}
	headers := map[string]string{
		"X-Node-ID":     st.NodeID,
		"Authorization": "Bearer " + token,
	}
	body := struct {
		Status  model.TaskStatus `json:"status"`
		Output  string           `json:"output,omitempty"`
		Message string           `json:"message,omitempty"`
	}{rep.Status, rep.Output, rep.Message}
	path := st.APIURL + "/api/agent/tasks/" + url.PathEscape(rep.TaskID) + "/status"
	return post(ctx, path, headers, body, nil)
}

func post(ctx context.Context, endpoint string, headers map[string]string, body, v any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, val := range headers {
		req.Header.Set(k, val)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
