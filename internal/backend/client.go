// Package backend talks to the CRM backend that owns templates and contacts.
package backend

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

	"whatsauto/internal/errors"
	"whatsauto/internal/models"
	"whatsauto/internal/retry"
	"whatsauto/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

const maxResponseBytes = 4 << 20

// Client implements templates.Registry and target resolution over the
// backend REST API. GETs are retried with backoff; the resolve POST is not.
type Client struct {
	baseURL   string
	authToken string
	client    *http.Client
	backoff   *retry.Backoff
	breaker   *circuitbreaker.CircuitBreaker
	logger    *logrus.Logger
}

func NewClient(cfg models.BackendConfig, backoff *retry.Backoff, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if backoff == nil {
		backoff = retry.NewBackoff(retry.DefaultPolicy())
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
		client:    &http.Client{Timeout: timeout},
		backoff:   backoff,
		breaker: circuitbreaker.New("backend", circuitbreaker.Options{
			CountsAsFailure: errors.IsRetryable,
			Logger:          logger,
		}),
		logger: logger,
	}
}

type resolveRequest struct {
	TargetType models.TargetType     `json:"targetType"`
	Target     models.CampaignTarget `json:"target"`
}

type resolveResponse struct {
	Contacts []models.Contact `json:"contacts"`
}

// GetTemplate returns nil, nil when the backend does not know id.
func (c *Client) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var tpl models.Template
	found, err := c.get(ctx, errors.ErrCodeTemplateRegistry, "/templates/"+url.PathEscape(id), &tpl)
	if err != nil || !found {
		return nil, err
	}
	return &tpl, nil
}

// ListApproved lists APPROVED templates, optionally narrowed to one category.
func (c *Client) ListApproved(ctx context.Context, category string) ([]models.Template, error) {
	query := url.Values{"status": {string(models.TemplateStatusApproved)}}
	if category != "" {
		query.Set("category", category)
	}

	var list []models.Template
	if _, err := c.get(ctx, errors.ErrCodeTemplateRegistry, "/templates?"+query.Encode(), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// ResolveTargets expands a campaign target into contacts, in the backend's
// order.
func (c *Client) ResolveTargets(ctx context.Context, targetType models.TargetType, target models.CampaignTarget) ([]models.Contact, error) {
	payload, err := json.Marshal(resolveRequest{TargetType: targetType, Target: target})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resolve request: %w", err)
	}

	var resp resolveResponse
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodPost, errors.ErrCodeContactResolver, "/contacts/resolve", payload, &resp)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp.Contacts, nil
}

func (c *Client) get(ctx context.Context, code errors.ErrorCode, endpoint string, out interface{}) (bool, error) {
	var found bool
	err := c.backoff.Do(ctx, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			found, err = c.do(ctx, http.MethodGet, code, endpoint, nil, out)
			return err
		})
	}, errors.IsRetryable)
	return found, err
}

// do returns false, nil on 404.
func (c *Client) do(ctx context.Context, method string, code errors.ErrorCode, endpoint string, body []byte, out interface{}) (bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, errors.NewUpstreamError(code, endpoint, 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return false, errors.NewUpstreamError(code, endpoint, resp.StatusCode, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"status":   resp.StatusCode,
		}).Warn("Backend request failed")
		return false, errors.NewUpstreamError(code, endpoint, resp.StatusCode,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, errors.NewUpstreamError(code, endpoint, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}
	return true, nil
}
