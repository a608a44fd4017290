// Package action performs the presence call against the remote service.
//
// A Client never retries by itself; the worker loop owns the cadence and
// turns every failure into a longer delay. The call is a POST without a
// body, repeating it is harmless even when an earlier attempt timed out
// after the request was sent.
package action

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/CZERTAINLY/presenced/internal/model"
)

const (
	userAgent      = "presenced/0"
	maxBodyPreview = 256
)

// Client performs one action call.
type Client interface {
	Perform(ctx context.Context) model.ActionOutcome
}

type HTTPClient struct {
	requestURL *url.URL
	token      string
	client     *http.Client
}

// NewHTTPClient builds a client for a resolved action configuration.
func NewHTTPClient(cfg model.Action) (*HTTPClient, error) {
	if cfg.Token == "" {
		return nil, model.ErrNoToken
	}
	if cfg.Target == "" {
		return nil, model.ErrNoTarget
	}
	parsedURL, err := url.Parse(cfg.URL())
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, errors.New("please define the endpoint with a scheme and a host, e.g. `https://some-url.com/{target}`")
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPClient{
		requestURL: parsedURL,
		token:      cfg.Token,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

// WithHTTPClient replaces the underlying http.Client.
// This method exists for a unit testing only.
func (c *HTTPClient) WithHTTPClient(client *http.Client) *HTTPClient {
	c.client = client
	return c
}

func (c *HTTPClient) Perform(ctx context.Context) model.ActionOutcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), nil)
	if err != nil {
		return model.Failure(model.Transient, 0, err)
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return model.Failure(model.Transient, 0, classifyTransport(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	outcome := decodeResponse(resp)
	slog.DebugContext(ctx, "action call finished",
		slog.String("url", c.requestURL.Redacted()),
		slog.Any("outcome", outcome))
	return outcome
}

func decodeResponse(resp *http.Response) model.ActionOutcome {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return model.Success(resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		// target unreachable with these credentials
		return model.Failure(model.PermissionDenied, resp.StatusCode, statusError(resp))
	case resp.StatusCode == http.StatusTooManyRequests:
		return model.Failure(model.RateLimited, resp.StatusCode, statusError(resp))
	default:
		return model.Failure(model.Transient, resp.StatusCode, statusError(resp))
	}
}

func statusError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyPreview))
	if err != nil {
		return fmt.Errorf("status: %d", resp.StatusCode)
	}
	return fmt.Errorf("status: %d, body: %s", resp.StatusCode, string(body))
}

func classifyTransport(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("timeout: %w", err)
	}
	return err
}
