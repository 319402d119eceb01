package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"

	v1 "github.com/dcm-project/gpu-node-provisioner/internal/handlers/v1"
	"github.com/dcm-project/gpu-node-provisioner/internal/service"
	"github.com/dcm-project/gpu-node-provisioner/internal/store/model"
)

// APIError is a non-2xx answer of the provisioner API
type APIError struct {
	StatusCode int
	Problem    v1.Problem
}

func (e *APIError) Error() string {
	if e.Problem.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Problem.Title, e.Problem.Detail)
	}
	return fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// ErrProvisioningFailed is returned by AddServer when the run ends with a Failed event
var ErrProvisioningFailed = errors.New("provisioning failed")

// Client talks to the provisioner API
type Client struct {
	restyClient *resty.Client
}

// New returns a client for the API at baseURL. Requests are bounded by their context
// only, since provisioning streams can stay open for the whole readiness timeout.
func New(baseURL string) *Client {
	return &Client{
		restyClient: resty.New().
			SetBaseURL(strings.TrimSuffix(baseURL, "/")+v1.ApiPrefix).
			SetHeader("Accept", "application/json"),
	}
}

func (c *Client) ListServers(ctx context.Context) (model.ServerList, error) {
	var servers model.ServerList
	resp, err := c.restyClient.R().
		SetContext(ctx).
		SetResult(&servers).
		SetError(&v1.Problem{}).
		Get("/servers")
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return servers, nil
}

// DeleteServer removes the server with the given id or name
func (c *Client) DeleteServer(ctx context.Context, idOrName string) (map[string]string, error) {
	var result map[string]string
	resp, err := c.restyClient.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&v1.Problem{}).
		Delete("/servers/" + url.PathEscape(idOrName))
	if err != nil {
		return nil, fmt.Errorf("failed to delete server %s: %w", idOrName, err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return result, nil
}

// AddServer provisions the node named args.Name and calls onEvent for every progress
// event. The returned server comes from the Complete event.
func (c *Client) AddServer(ctx context.Context, args service.ServerArgs, onEvent func(service.ProgressEvent)) (*model.Server, error) {
	resp, err := c.restyClient.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Content-Type", "application/json").
		SetBody(args).
		SetDoNotParseResponse(true).
		Post("/servers")
	if err != nil {
		return nil, fmt.Errorf("failed to add server %s: %w", args.Name, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode()}
		_ = json.NewDecoder(body).Decode(&apiErr.Problem)
		return nil, apiErr
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var event service.ProgressEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, fmt.Errorf("invalid progress event: %w", err)
		}
		if onEvent != nil {
			onEvent(event)
		}
		switch event.Stage {
		case service.StageComplete:
			return event.Server, nil
		case service.StageFailed:
			if event.Error != nil {
				return nil, fmt.Errorf("%w: %s: %s", ErrProvisioningFailed, event.Error.Kind, event.Error.Message)
			}
			return nil, ErrProvisioningFailed
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("progress stream interrupted: %w", err)
	}
	return nil, errors.New("progress stream ended without a terminal event")
}

func apiError(resp *resty.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode()}
	if problem, ok := resp.Error().(*v1.Problem); ok && problem != nil {
		apiErr.Problem = *problem
	}
	return apiErr
}
