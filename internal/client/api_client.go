package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"deviceagent/internal/endpoint"
	"deviceagent/internal/models"
	"deviceagent/internal/signature"

	"go.uber.org/zap"
)

// Request and response headers used by the sync protocol
const (
	HeaderRequestSignature  = "X-Request-Signature"
	HeaderResponseSignature = "X-Response-Signature"
	HeaderIPAddress         = "X-IP-Address"
)

// Telemetry kinds addressable on the upload endpoint
const (
	KindLogs       = "logs"
	KindLocations  = "locations"
	KindDeviceInfo = "deviceinfo"
)

// TransportError marks a failure before a usable response was received:
// timeout, connection refused, or a malformed transport envelope. Retryable;
// it triggers secondary-endpoint failover within the same cycle.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error against %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError marks a definitive server rejection: HTTP failure status or a
// well-formed envelope without an OK status. Not retried within the cycle.
type ProtocolError struct {
	Message    string
	StatusCode int
}

func (e *ProtocolError) Error() string {
	return e.Message
}

// ConfigResponse is one successful configuration fetch: the raw transport
// bytes (secure mode verifies a byte range of these), the parsed envelope and
// the diagnostic headers
type ConfigResponse struct {
	Body       []byte
	Signature  string
	ExternalIP string
	Envelope   models.SyncEnvelope
}

// Client talks to the management server with primary/secondary failover
type Client struct {
	endpoints  *endpoint.Pair
	secret     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a sync API client over the given endpoint pair
func NewClient(endpoints *endpoint.Pair, secret string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		endpoints: endpoints,
		secret:    secret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// FetchConfiguration requests the device configuration, trying the primary
// endpoint first and repeating the identical request against the secondary on
// transport failure
func (c *Client) FetchConfiguration(ctx context.Context, deviceID string) (*ConfigResponse, error) {
	resp, err := c.fetchFrom(ctx, c.endpoints.Primary, deviceID)
	if err == nil {
		return resp, nil
	}

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		return nil, err
	}

	c.logger.Warn("Primary endpoint failed, trying secondary",
		zap.String("primary", c.endpoints.Primary.BaseURL),
		zap.String("secondary", c.endpoints.Secondary.BaseURL),
		zap.Error(err),
	)

	resp, secondaryErr := c.fetchFrom(ctx, c.endpoints.Secondary, deviceID)
	if secondaryErr != nil {
		// Both endpoints failing and the secondary attempt itself failing
		// share one coarse network-error classification
		return nil, secondaryErr
	}
	return resp, nil
}

func (c *Client) fetchFrom(ctx context.Context, ep endpoint.Endpoint, deviceID string) (*ConfigResponse, error) {
	url := joinPath(ep, "rest/sync/configuration/"+deviceID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(HeaderRequestSignature, signature.RequestToken(c.secret, deviceID))

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		return nil, &TransportError{Endpoint: ep.BaseURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Endpoint: ep.BaseURL, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("Configuration fetch rejected",
			zap.Int("status_code", resp.StatusCode),
			zap.String("endpoint", ep.BaseURL),
			zap.Duration("duration", duration),
		)
		return nil, &ProtocolError{
			Message:    fmt.Sprintf("server returned status %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}

	var envelope models.SyncEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		// Malformed transport envelope counts as a transport failure
		return nil, &TransportError{Endpoint: ep.BaseURL, Err: fmt.Errorf("malformed response: %w", err)}
	}

	if envelope.Status != models.StatusOK || len(envelope.Data) == 0 {
		return nil, &ProtocolError{
			Message:    fmt.Sprintf("server status %q without data payload", envelope.Status),
			StatusCode: resp.StatusCode,
		}
	}

	c.logger.Debug("Configuration fetched",
		zap.String("endpoint", ep.BaseURL),
		zap.Duration("duration", duration),
	)

	return &ConfigResponse{
		Body:       body,
		Signature:  resp.Header.Get(HeaderResponseSignature),
		ExternalIP: resp.Header.Get(HeaderIPAddress),
		Envelope:   envelope,
	}, nil
}

// UploadBatch submits an ordered list of records for one telemetry kind,
// with the same primary-then-secondary failover as configuration fetch
func (c *Client) UploadBatch(ctx context.Context, kind, deviceID string, records interface{}) error {
	jsonData, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	err = c.uploadTo(ctx, c.endpoints.Primary, kind, deviceID, jsonData)
	if err == nil {
		return nil
	}

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		return err
	}

	c.logger.Warn("Primary upload failed, trying secondary",
		zap.String("kind", kind),
		zap.Error(err),
	)
	return c.uploadTo(ctx, c.endpoints.Secondary, kind, deviceID, jsonData)
}

func (c *Client) uploadTo(ctx context.Context, ep endpoint.Endpoint, kind, deviceID string, jsonData []byte) error {
	url := joinPath(ep, "rest/sync/"+kind+"/"+deviceID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRequestSignature, signature.RequestToken(c.secret, deviceID))

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		return &TransportError{Endpoint: ep.BaseURL, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("Batch upload rejected",
			zap.String("kind", kind),
			zap.Int("status_code", resp.StatusCode),
			zap.String("response", string(body)),
			zap.Duration("duration", duration),
		)
		return &ProtocolError{
			Message:    fmt.Sprintf("upload of %s returned status %d", kind, resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}

	c.logger.Info("Batch uploaded",
		zap.String("kind", kind),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", duration),
	)
	return nil
}

func joinPath(ep endpoint.Endpoint, suffix string) string {
	if ep.ProjectPath == "" {
		return ep.BaseURL + "/" + suffix
	}
	return ep.BaseURL + "/" + ep.ProjectPath + "/" + suffix
}
