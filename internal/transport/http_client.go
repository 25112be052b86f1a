package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/text/unicode/norm"

	"github.com/lorekeep/loresync/internal/config"
	"github.com/lorekeep/loresync/internal/events"
	"github.com/lorekeep/loresync/internal/models"
)

// HTTPRemote implements Remote over the backend's REST API. It does
// no retrying of its own: retry scheduling belongs to the sync core,
// which needs failures surfaced, classified, exactly once.
type HTTPRemote struct {
	client    *http.Client
	baseURL   string
	userAgent string
	token     string
	logger    *events.Logger
}

// NewHTTPRemote creates a REST client for the backend.
func NewHTTPRemote(cfg *config.APIConfig, logger *events.Logger) *HTTPRemote {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPRemote{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		token:     cfg.Token,
		logger:    logger.WithField("component", "http_remote"),
	}
}

// SetToken sets the bearer token.
func (c *HTTPRemote) SetToken(token string) {
	c.token = token
}

// CreateRecord sends a create and returns the assigned identity.
func (c *HTTPRemote) CreateRecord(ctx context.Context, entityType string, payload json.RawMessage) (*CreateResult, error) {
	path := fmt.Sprintf("/api/v1/records/%s", url.PathEscape(normalizeEntityType(entityType)))

	body, err := c.do(ctx, http.MethodPost, path, map[string]interface{}{
		"payload": payload,
	})
	if err != nil {
		return nil, err
	}

	var result CreateResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse create response: %w", err)
	}
	if result.RemoteID == "" {
		return nil, fmt.Errorf("create response missing remote ID")
	}

	return &result, nil
}

// UpdateRecord sends an update conditioned on baseVersion.
func (c *HTTPRemote) UpdateRecord(ctx context.Context, entityType, remoteID string, payload json.RawMessage, baseVersion int64) (*WriteResult, error) {
	path := fmt.Sprintf("/api/v1/records/%s/%s",
		url.PathEscape(normalizeEntityType(entityType)), url.PathEscape(remoteID))

	body, err := c.do(ctx, http.MethodPut, path, map[string]interface{}{
		"payload":      payload,
		"base_version": baseVersion,
	})
	if err != nil {
		return nil, err
	}

	var result WriteResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse update response: %w", err)
	}

	return &result, nil
}

// DeleteRecord sends a delete conditioned on baseVersion. A record
// already gone on the server counts as success.
func (c *HTTPRemote) DeleteRecord(ctx context.Context, entityType, remoteID string, baseVersion int64) error {
	path := fmt.Sprintf("/api/v1/records/%s/%s?base_version=%d",
		url.PathEscape(normalizeEntityType(entityType)), url.PathEscape(remoteID), baseVersion)

	_, err := c.do(ctx, http.MethodDelete, path, nil)

	var ve *models.ValidationError
	if errors.As(err, &ve) && ve.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// do executes one request and classifies the outcome.
func (c *HTTPRemote) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	fullURL := c.baseURL + path

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	fields := map[string]interface{}{
		"method": method,
		"url":    fullURL,
	}
	if localID := events.GetLocalID(ctx); localID != "" {
		fields["local_id"] = localID
	}
	c.logger.WithFields(fields).Debug("Sending request")

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are indistinguishable from
		// the queue's perspective: both go to the retry scheduler.
		return nil, &models.TransientError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.TransientError{Op: "read response", Err: err}
	}

	c.logger.WithFields(map[string]interface{}{
		"status": resp.StatusCode,
		"size":   len(respBody),
	}).Debug("Received response")

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil

	case resp.StatusCode == http.StatusConflict:
		return nil, parseConflict(respBody)

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &models.TransientError{
			Op:  method + " " + path,
			Err: fmt.Errorf("server error %d: %s", resp.StatusCode, respBody),
		}

	default:
		return nil, parseValidation(resp.StatusCode, respBody)
	}
}

// parseConflict decodes a 409 body into a ConflictError.
func parseConflict(body []byte) error {
	var payload struct {
		Code     string                 `json:"code"`
		Message  string                 `json:"message"`
		Snapshot *models.RemoteSnapshot `json:"snapshot"`
	}

	if err := json.Unmarshal(body, &payload); err != nil || payload.Snapshot == nil {
		// A conflict without a snapshot cannot be resolved; surface it
		// as retryable so the next attempt fetches a well-formed one.
		return &models.TransientError{Op: "parse conflict", Err: fmt.Errorf("malformed conflict body: %s", body)}
	}

	return &models.ConflictError{
		RemoteID: payload.Snapshot.RemoteID,
		Snapshot: payload.Snapshot,
	}
}

// parseValidation decodes a permanent 4xx rejection.
func parseValidation(status int, body []byte) error {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)

	if payload.Code == "" {
		payload.Code = models.ErrCodeValidation
	}
	if payload.Message == "" {
		payload.Message = string(body)
	}

	return &models.ValidationError{
		StatusCode: status,
		Code:       payload.Code,
		Message:    payload.Message,
	}
}

// normalizeEntityType canonicalizes entity type names before they are
// used in URLs and storage keys. Editors on different platforms can
// produce differently composed Unicode for the same visible name.
func normalizeEntityType(entityType string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(entityType)))
}
