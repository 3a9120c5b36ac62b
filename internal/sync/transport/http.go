package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Zozz7777/Clutchplatform-sub014/internal/models"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/uuid"
)

const (
	pathCheckConflict = "/api/sync/check-conflict"
	pathPush          = "/api/sync/push"
	pathPull          = "/api/sync/pull"
)

// Options configures an HTTPClient.
type Options struct {
	BaseURL   string
	PartnerID string
	DeviceID  string
	AuthToken string
	Timeout   time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// HTTPClient talks to the POS sync API.
type HTTPClient struct {
	baseURL    string
	partnerID  string
	deviceID   string
	token      string
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(opts Options) *HTTPClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		partnerID:  opts.PartnerID,
		deviceID:   opts.DeviceID,
		token:      strings.TrimSpace(opts.AuthToken),
		httpClient: httpClient,
	}
}

// envelope carries the status fields every API response may include.
// A missing success flag on a 2xx response counts as success.
type envelope struct {
	Success *bool  `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type checkConflictResponse struct {
	envelope
	HasConflict     bool            `json:"has_conflict"`
	ServerData      json.RawMessage `json:"server_data"`
	ServerTimestamp int64           `json:"server_timestamp"`
}

// CheckConflict asks the server whether req's entity has a newer server
// version. It returns nil when there is no conflict.
func (c *HTTPClient) CheckConflict(ctx context.Context, req CheckConflictRequest) (*ConflictInfo, error) {
	body := struct {
		DeviceID string `json:"device_id"`
		CheckConflictRequest
	}{c.deviceID, req}

	var out checkConflictResponse
	if err := c.doJSON(ctx, http.MethodPost, pathCheckConflict, body, &out); err != nil {
		return nil, err
	}
	if !out.HasConflict {
		return nil, nil
	}
	return &ConflictInfo{ServerData: out.ServerData, ServerTimestamp: out.ServerTimestamp}, nil
}

type pushResponse struct {
	envelope
	ServerTimestamp int64 `json:"server_timestamp"`
}

// Push delivers op. force asks the server to overwrite its version.
func (c *HTTPClient) Push(ctx context.Context, op *models.Operation, force bool) (*PushResult, error) {
	body := map[string]any{
		"device_id": c.deviceID,
		"operation": op,
		"force":     force,
	}
	var out pushResponse
	if err := c.doJSON(ctx, http.MethodPost, pathPush, body, &out); err != nil {
		return nil, err
	}
	return &PushResult{OperationID: op.OperationID, ServerTimestamp: out.ServerTimestamp}, nil
}

type pullResponse struct {
	envelope
	PullResult
}

// Pull fetches server changes made after since.
func (c *HTTPClient) Pull(ctx context.Context, since time.Time) (*PullResult, error) {
	q := url.Values{}
	q.Set("since", fmt.Sprintf("%d", since.UnixMilli()))
	q.Set("device_id", c.deviceID)

	var out pullResponse
	if err := c.doJSON(ctx, http.MethodGet, pathPull+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out.PullResult, nil
}

// doJSON performs one request. out must embed envelope when the caller wants
// success=false bodies treated as rejections.
func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", requestPath, err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", requestPath, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Partner-ID", c.partnerID)
	req.Header.Set("X-Device-ID", c.deviceID)
	req.Header.Set("X-Request-ID", uuid.NewRequestID())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RequestError{Kind: KindConnectivity, Path: requestPath, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &RequestError{Kind: KindConnectivity, Path: requestPath, StatusCode: resp.StatusCode, Err: readErr}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env envelope
		_ = json.Unmarshal(payload, &env)
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &RequestError{Kind: KindRejected, Path: requestPath, StatusCode: resp.StatusCode, Code: env.Code, Message: msg}
	}

	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &RequestError{
			Kind:       KindRejected,
			Path:       requestPath,
			StatusCode: resp.StatusCode,
			Message:    "malformed response body",
			Err:        err,
		}
	}
	if env, ok := out.(interface{ status() envelope }); ok {
		if e := env.status(); e.Success != nil && !*e.Success {
			msg := e.Message
			if msg == "" {
				msg = "request not accepted"
			}
			return &RequestError{Kind: KindRejected, Path: requestPath, StatusCode: resp.StatusCode, Code: e.Code, Message: msg}
		}
	}
	return nil
}

func (e envelope) status() envelope { return e }
