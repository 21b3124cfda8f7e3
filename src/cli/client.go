package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/flotilla-io/flotilla/src/api"
	"github.com/flotilla-io/flotilla/src/events"
	"github.com/flotilla-io/flotilla/src/types"
)

// Client talks to a controller's HTTP control API.
type Client struct {
	base string
	http *http.Client
}

func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		if err := json.NewEncoder(reqBody).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr api.APIError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return fmt.Errorf("unexpected status %d from controller", resp.StatusCode)
		}
		return &apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) Connect(ctx context.Context, req types.ConnectRequest) (*types.ConnectResponse, error) {
	var resp types.ConnectResponse
	if err := c.do(ctx, http.MethodPost, "/ctrl/connect", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Terminate(ctx context.Context, backendID string, hard bool) error {
	path := fmt.Sprintf("/ctrl/b/%s/terminate?hard=%t", backendID, hard)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) Drain(ctx context.Context, cluster, drone string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/ctrl/d/%s/%s/drain", cluster, drone), nil, nil)
}

func (c *Client) ListDrones(ctx context.Context, cluster string) ([]types.NodeRow, error) {
	path := "/ctrl/drones"
	if cluster != "" {
		path += "?cluster=" + cluster
	}
	var drones []types.NodeRow
	if err := c.do(ctx, http.MethodGet, path, nil, &drones); err != nil {
		return nil, err
	}
	return drones, nil
}

func (c *Client) ListBackends(ctx context.Context) ([]types.BackendRow, error) {
	var backends []types.BackendRow
	if err := c.do(ctx, http.MethodGet, "/ctrl/backends", nil, &backends); err != nil {
		return nil, err
	}
	return backends, nil
}

func (c *Client) TerminationCandidates(ctx context.Context, cluster, drone string) ([]types.TerminationCandidate, error) {
	path := fmt.Sprintf("/ctrl/d/%s/%s/termination-candidates", cluster, drone)
	var candidates []types.TerminationCandidate
	if err := c.do(ctx, http.MethodGet, path, nil, &candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

// StreamEvents follows the global event feed, calling fn per event until fn
// returns false or the stream ends.
func (c *Client) StreamEvents(ctx context.Context, fn func(types.Event) bool) error {
	return c.stream(ctx, "/ctrl/events", fn)
}

// StreamBackendStatus follows one backend's status reports until fn returns
// false or the stream ends.
func (c *Client) StreamBackendStatus(ctx context.Context, backendID string, fn func(types.StatusReport) bool) error {
	return c.stream(ctx, fmt.Sprintf("/ctrl/b/%s/status", backendID), func(ev types.Event) bool {
		if ev.Kind != events.KindBackendStatus {
			return true
		}
		var report types.StatusReport
		if err := json.Unmarshal(ev.Payload, &report); err != nil {
			return true
		}
		return fn(report)
	})
}

func (c *Client) stream(ctx context.Context, path string, fn func(types.Event) bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr api.APIError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return fmt.Errorf("unexpected status %d from controller", resp.StatusCode)
		}
		return &apiErr
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		if !fn(ev) {
			return nil
		}
	}
	return scanner.Err()
}
