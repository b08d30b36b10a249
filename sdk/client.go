package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Oudwins/storyd/internals/env"
	"github.com/Oudwins/storyd/internals/schemas"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var ErrAuthRequired = errors.New("auth required")

type ErrorResponse struct {
	Status  string              `json:"status"`
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Fields     map[string][]string
}

func (e *APIError) Error() string {
	if e.Code != "" && e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("unexpected status: %d", e.StatusCode)
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithToken authenticates every request as the token's owner.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func NewClient(opts ...Option) *Client {
	envs := env.Get()
	client := &Client{
		baseURL: strings.TrimRight(envs.BASE_URL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Version(ctx context.Context) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/version", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", responseError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(body)), nil
}

func (c *Client) Workflows(ctx context.Context) (*schemas.WorkflowsResponse, error) {
	var payload schemas.WorkflowsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/task/workflow", nil, &payload, http.StatusOK); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) CreateTask(ctx context.Context, request schemas.TaskCreateRequest) (*schemas.TaskCreateResponse, error) {
	var payload schemas.TaskCreateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/task/new", request, &payload, http.StatusCreated, http.StatusOK); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) ListTasks(ctx context.Context) (*schemas.TaskListResponse, error) {
	var payload schemas.TaskListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/task/mytasks", nil, &payload, http.StatusOK); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) Progress(ctx context.Context, taskID string) (*schemas.ProgressResponse, error) {
	var payload schemas.ProgressResponse
	if err := c.doJSON(ctx, http.MethodGet, "/task/"+url.PathEscape(taskID)+"/progress", nil, &payload, http.StatusOK); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Execute queues segment of the task. With redo the segment and everything
// after it is generated again.
func (c *Client) Execute(ctx context.Context, taskID string, segment int, redo bool) (*schemas.ExecuteResponse, error) {
	path := "/task/" + url.PathEscape(taskID) + "/execute/" + strconv.Itoa(segment)
	if redo {
		path += "?redo=true"
	}
	var payload schemas.ExecuteResponse
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &payload, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) Resources(ctx context.Context, taskID string, segment int) (*schemas.ResourceListResponse, error) {
	path := "/task/" + url.PathEscape(taskID) + "/resource?segmentId=" + strconv.Itoa(segment)
	var payload schemas.ResourceListResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &payload, http.StatusOK); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Download copies the resource at relativePath into w.
func (c *Client) Download(ctx context.Context, relativePath string, w io.Writer) (int64, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/resource?url="+url.QueryEscape(relativePath), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, responseError(resp)
	}
	return io.Copy(w, resp.Body)
}

func (c *Client) DeleteTask(ctx context.Context, taskID string) (*schemas.DeleteResponse, error) {
	var payload schemas.DeleteResponse
	if err := c.doJSON(ctx, http.MethodDelete, "/task/"+url.PathEscape(taskID), nil, &payload, http.StatusOK); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, request any, out any, accepted ...int) error {
	var body io.Reader
	if request != nil {
		data, err := json.Marshal(request)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	ok := false
	for _, status := range accepted {
		if resp.StatusCode == status {
			ok = true
			break
		}
	}
	if !ok {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.httpClient.Do(req)
}

func responseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}

	var payload ErrorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Code != "" {
		if payload.Code == "auth_required" {
			return ErrAuthRequired
		}
		return &APIError{StatusCode: resp.StatusCode, Code: payload.Code, Message: payload.Message, Fields: payload.Errors}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
