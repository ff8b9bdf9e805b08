// Package metadata resolves node identity from the instance metadata
// service: a token-gated, link-local HTTP endpoint available only on the
// cloud host itself.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	metadataBase = "http://169.254.169.254/latest/meta-data"
	tokenURL     = "http://169.254.169.254/latest/api/token"
	tokenTTL     = "21600" // 6 hours, seconds

	requestTimeout = 2 * time.Second
)

// ErrMetadataUnavailable is returned for any read that could not be
// satisfied within the request timeout. Transient before startup
// completes; fatal if it persists through the startup probe.
var ErrMetadataUnavailable = errors.New("metadata: unavailable")

// Client reads instance metadata over IMDSv2-style token auth. A single
// Client is shared across the supervisor's startup probe and the
// reclaimable-price probe's periodic instance-type refresh.
type Client struct {
	httpClient *http.Client
	metadataBase string
	tokenURL     string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New builds a metadata client with the fixed ~2s timeout the spec
// requires so a non-cloud host fails fast rather than hanging.
func New() *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: requestTimeout},
		metadataBase: metadataBase,
		tokenURL:     tokenURL,
	}
}

// NewWithEndpoints builds a client against arbitrary token/metadata base
// URLs, used by tests to stand in for the real link-local IMDS endpoint.
func NewWithEndpoints(metaBase, tokURL string) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: requestTimeout},
		metadataBase: metaBase,
		tokenURL:     tokURL,
	}
}

func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.tokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("metadata: build token request: %w", err)
	}
	req.Header.Set("X-aws-ec2-metadata-token-ttl-seconds", tokenTTL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMetadataUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token request status %d", ErrMetadataUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("metadata: read token body: %w", err)
	}

	c.token = strings.TrimSpace(string(body))
	// Refresh a little early so a request issued right at the boundary
	// does not race an expiring token.
	c.tokenExpiry = time.Now().Add(6*time.Hour - 30*time.Second)
	return c.token, nil
}

func (c *Client) fetch(ctx context.Context, path string) (string, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.metadataBase+path, nil)
	if err != nil {
		return "", fmt.Errorf("metadata: build request: %w", err)
	}
	req.Header.Set("X-aws-ec2-metadata-token", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMetadataUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s returned status %d", ErrMetadataUnavailable, path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("metadata: read body: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// InstanceID returns the instance id, e.g. "i-0abc123def456".
func (c *Client) InstanceID(ctx context.Context) (string, error) {
	return c.fetch(ctx, "/instance-id")
}

// InstanceType returns the instance type, e.g. "m5.large".
func (c *Client) InstanceType(ctx context.Context) (string, error) {
	return c.fetch(ctx, "/instance-type")
}

// AvailabilityZone returns the zone, e.g. "ap-south-1a".
func (c *Client) AvailabilityZone(ctx context.Context) (string, error) {
	return c.fetch(ctx, "/placement/availability-zone")
}

// ImageID returns the AMI id the running instance was launched from.
func (c *Client) ImageID(ctx context.Context) (string, error) {
	return c.fetch(ctx, "/ami-id")
}

// Hostname returns the instance's published hostname, falling back to the
// process's own local hostname when the metadata service has none — the
// same fallback the fleet's first-generation agent used.
func (c *Client) Hostname(ctx context.Context) (string, error) {
	if h, err := c.fetch(ctx, "/hostname"); err == nil && h != "" {
		return h, nil
	}
	if h, err := os.Hostname(); err == nil {
		return h, nil
	}
	return "", ErrMetadataUnavailable
}

// OnCloudHost reports whether this process is running on a real instance:
// an instance id is present and begins with "i-". Anything else means the
// startup probe should fail fast rather than proceed with empty identity.
func (c *Client) OnCloudHost(ctx context.Context) bool {
	id, err := c.InstanceID(ctx)
	if err != nil {
		return false
	}
	return strings.HasPrefix(id, "i-")
}
