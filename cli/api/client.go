package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fleet/api/model"
)

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Error is a non-2xx answer from the API.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

type Node struct {
	model.Node
	Reachable bool `json:"reachable"`
}

type Token struct {
	Token     string    `json:"token"`
	NodeID    string    `json:"nodeId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Candidate struct {
	Node  model.Node `json:"node"`
	Score float64    `json:"score"`
}

type Placement struct {
	NodeID     string      `json:"nodeId"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

type EnqueuedTask struct {
	model.Task
	Delivered bool `json:"delivered"`
}

type HealthStatus struct {
	Status   string `json:"status"`
	Services []struct {
		Name    string `json:"name"`
		Status  string `json:"status"`
		Details string `json:"details,omitempty"`
	} `json:"services"`
	Sessions int `json:"sessions"`
}

func (c *Client) Health() (*HealthStatus, error) {
	var h HealthStatus
	if err := c.do(http.MethodGet, "/api/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) IssueToken(org, region, name string) (*Token, error) {
	var tok Token
	body := map[string]string{"org": org, "region": region, "name": name}
	if err := c.do(http.MethodPost, "/api/tokens", body, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (c *Client) ListNodes(region string, onlineOnly bool) ([]Node, error) {
	q := url.Values{}
	if region != "" {
		q.Set("region", region)
	}
	if onlineOnly {
		q.Set("online", "true")
	}
	var nodes []Node
	if err := c.do(http.MethodGet, withQuery("/api/nodes", q), nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (c *Client) GetNode(id string) (*Node, error) {
	var n Node
	if err := c.do(http.MethodGet, "/api/nodes/"+url.PathEscape(id), nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *Client) SetOverride(id string, o model.NodeOverride) (*Node, error) {
	var n Node
	if err := c.do(http.MethodPut, "/api/nodes/"+url.PathEscape(id)+"/override", map[string]model.NodeOverride{"override": o}, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// RemoveNode deletes a node and returns how many of its tasks were cancelled.
func (c *Client) RemoveNode(id string, drain bool) (int, error) {
	path := "/api/nodes/" + url.PathEscape(id)
	if drain {
		path += "?drain=true"
	}
	var out struct {
		Cancelled int `json:"cancelled"`
	}
	if err := c.do(http.MethodDelete, path, nil, &out); err != nil {
		return 0, err
	}
	return out.Cancelled, nil
}

func (c *Client) Schedule(region string, req model.Capacity, explain bool) (*Placement, error) {
	body := struct {
		Region string `json:"region"`
		model.Capacity
		Explain bool `json:"explain,omitempty"`
	}{region, req, explain}
	var p Placement
	if err := c.do(http.MethodPost, "/api/schedule", body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

type TaskFilter struct {
	NodeID       string
	Status       string
	ResourceType string
	ResourceID   string
	Limit        int
}

func (c *Client) ListTasks(f TaskFilter) ([]model.Task, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("node", f.NodeID)
	set("status", f.Status)
	set("resourceType", f.ResourceType)
	set("resourceId", f.ResourceID)
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	var ts []model.Task
	if err := c.do(http.MethodGet, withQuery("/api/tasks", q), nil, &ts); err != nil {
		return nil, err
	}
	return ts, nil
}

func (c *Client) GetTask(id string) (*model.Task, error) {
	var t model.Task
	if err := c.do(http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) EnqueueTask(req model.TaskRequest) (*EnqueuedTask, error) {
	var t EnqueuedTask
	if err := c.do(http.MethodPost, "/api/tasks", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) CancelTasks(resourceType model.ResourceType, resourceID string) (int, error) {
	body := map[string]string{"resourceType": string(resourceType), "resourceId": resourceID}
	var out struct {
		Cancelled int `json:"cancelled"`
	}
	if err := c.do(http.MethodPost, "/api/tasks/cancel", body, &out); err != nil {
		return 0, err
	}
	return out.Cancelled, nil
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (c *Client) do(method, path string, body, v any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(b))
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &Error{Status: resp.StatusCode, Message: msg}
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
