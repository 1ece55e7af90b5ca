package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

const (
	// DefaultPublishURL accepts chart snapshots.
	DefaultPublishURL = "https://www.tradingview.com/snapshot/"
	// DefaultShareBaseURL prefixes snapshot ids returned by the publish endpoint.
	DefaultShareBaseURL = "https://www.tradingview.com"
	// DefaultSharePattern matches durable share links.
	DefaultSharePattern = `^https://www\.tradingview\.com/x/[A-Za-z0-9]+/?$`

	maxPublishResponse = 64 << 10
)

// ErrInvalidReference means the publish endpoint answered with something
// that is not a share link.
var ErrInvalidReference = errors.New("publish endpoint returned an invalid reference")

var snapshotIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{4,32}$`)

// PublisherConfig configures the publish client.
type PublisherConfig struct {
	Endpoint     string
	ShareBaseURL string
	SharePattern string
	Timeout      time.Duration
}

// HTTPPublisher uploads screenshots to the chart provider.
type HTTPPublisher struct {
	client   *http.Client
	endpoint string
	base     string
	pattern  *regexp.Regexp
	timeout  time.Duration
}

// NewHTTPPublisher validates cfg and builds a publisher. A nil client uses
// http.DefaultClient.
func NewHTTPPublisher(client *http.Client, cfg PublisherConfig) (*HTTPPublisher, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultPublishURL
	}
	if cfg.ShareBaseURL == "" {
		cfg.ShareBaseURL = DefaultShareBaseURL
	}
	if cfg.SharePattern == "" {
		cfg.SharePattern = DefaultSharePattern
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	pattern, err := regexp.Compile(cfg.SharePattern)
	if err != nil {
		return nil, fmt.Errorf("compile share pattern: %w", err)
	}
	return &HTTPPublisher{
		client:   client,
		endpoint: cfg.Endpoint,
		base:     strings.TrimSuffix(cfg.ShareBaseURL, "/"),
		pattern:  pattern,
		timeout:  cfg.Timeout,
	}, nil
}

// Publish posts image with the tenant's session and returns the share link.
func (p *HTTPPublisher) Publish(ctx context.Context, image []byte, creds capture.Credentials) (string, error) {
	body, contentType, err := multipartImage(image)
	if err != nil {
		return "", capture.Retryable("publish", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return "", capture.Terminal("publish", fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Origin", p.base)
	req.Header.Set("Referer", p.base+"/")
	req.AddCookie(&http.Cookie{Name: "sessionid", Value: creds.SessionID})
	req.AddCookie(&http.Cookie{Name: "sessionid_sign", Value: creds.SessionSign})

	resp, err := p.client.Do(req)
	if err != nil {
		return "", capture.Retryable("publish", fmt.Errorf("post snapshot: %w", err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPublishResponse))
	if err != nil {
		return "", capture.Retryable("publish", fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return "", capture.Terminal("publish", fmt.Errorf("%w: publish endpoint returned %d", capture.ErrInvalidCredentials, resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", capture.Retryable("publish", fmt.Errorf("publish endpoint returned %d", resp.StatusCode))
	}

	ref, err := p.reference(raw)
	if err != nil {
		return "", capture.Retryable("publish", err)
	}
	return ref, nil
}

// reference extracts a share link from a plain-text id, a full URL, or a
// JSON object carrying either.
func (p *HTTPPublisher) reference(raw []byte) (string, error) {
	candidate := strings.TrimSpace(string(raw))
	if strings.HasPrefix(candidate, "{") {
		var payload struct {
			URL string `json:"url"`
			ID  string `json:"id"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidReference, err)
		}
		candidate = payload.URL
		if candidate == "" {
			candidate = payload.ID
		}
	}
	candidate = strings.Trim(candidate, `"`)
	if snapshotIDPattern.MatchString(candidate) {
		candidate = p.base + "/x/" + candidate + "/"
	}
	if !p.pattern.MatchString(candidate) {
		return "", ErrInvalidReference
	}
	return candidate, nil
}

func multipartImage(image []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("preparedImage", "chart.png")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("write image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
