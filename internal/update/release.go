package update

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	apperrors "stateguard/internal/errors"
	"stateguard/internal/logging"
)

// Release is the latest published release of the configured repository
type Release struct {
	Tag         string    `json:"tag" yaml:"tag"`
	Version     string    `json:"version" yaml:"version"`
	Name        string    `json:"name,omitempty" yaml:"name,omitempty"`
	Notes       string    `json:"notes,omitempty" yaml:"notes,omitempty"`
	PublishedAt time.Time `json:"published_at" yaml:"published_at"`
	DownloadURL string    `json:"download_url" yaml:"download_url"`
	AssetName   string    `json:"asset_name" yaml:"asset_name"`
	AssetSize   int64     `json:"asset_size,omitempty" yaml:"asset_size,omitempty"`
}

type githubRelease struct {
	TagName     string        `json:"tag_name"`
	Name        string        `json:"name"`
	Body        string        `json:"body"`
	Draft       bool          `json:"draft"`
	Prerelease  bool          `json:"prerelease"`
	PublishedAt time.Time     `json:"published_at"`
	TarballURL  string        `json:"tarball_url"`
	Assets      []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	Size               int64  `json:"size"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// packagedSuffixes are the asset names preferred over the source tarball
var packagedSuffixes = []string{".tar.gz", ".tgz"}

// ReleaseClient talks to the release endpoint behind a circuit breaker
type ReleaseClient struct {
	apiURL     string
	repository string
	token      string
	userAgent  string
	httpClient *http.Client
	download   *http.Client
	retry      *apperrors.RetryHandler
	cb         *gobreaker.CircuitBreaker[*http.Response]
	logger     *logging.Logger
}

// NewReleaseClient creates a client for owner/repo on the given API base URL
func NewReleaseClient(cfg Config, logger *logging.Logger) *ReleaseClient {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	client := &ReleaseClient{
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		repository: cfg.Repository,
		token:      cfg.Token,
		userAgent:  "stateguard/" + cfg.CurrentVersion,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		download:   &http.Client{},
		retry: apperrors.NewRetryHandler(apperrors.RetryConfig{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryDelay,
			MaxDelay:    30 * time.Second,
			Multiplier:  2.0,
		}),
		logger: logger,
	}

	client.cb = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "release-api",
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
		// 4xx answers do not count against the breaker
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !apperrors.IsRecoverableError(apperrors.NewErrorClassifier().ClassifyError(err))
		},
	})
	return client
}

// Latest fetches the latest published release
func (c *ReleaseClient) Latest(ctx context.Context) (*Release, error) {
	if c.repository == "" || !strings.Contains(c.repository, "/") {
		return nil, fmt.Errorf("update repository must be owner/name, got %q", c.repository)
	}
	url := fmt.Sprintf("%s/repos/%s/releases/latest", c.apiURL, c.repository)

	var payload githubRelease
	err := c.retry.Retry(ctx, func() error {
		resp, err := c.get(ctx, c.httpClient, url, "application/vnd.github+json")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("failed to read release metadata: %w", err)
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return fmt.Errorf("failed to decode release metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if payload.TagName == "" {
		return nil, fmt.Errorf("release metadata has no tag")
	}
	return toRelease(payload), nil
}

// Open starts streaming a release artifact. Only ctx bounds the transfer.
// The caller closes the body.
func (c *ReleaseClient) Open(ctx context.Context, url string) (*http.Response, error) {
	var resp *http.Response
	err := c.retry.Retry(ctx, func() error {
		var err error
		resp, err = c.get(ctx, c.download, url, "application/octet-stream")
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// get performs one GET through the breaker and maps failure statuses to
// HTTPStatusError
func (c *ReleaseClient) get(ctx context.Context, client *http.Client, url, accept string) (*http.Response, error) {
	return c.cb.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", accept)
		req.Header.Set("User-Agent", c.userAgent)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			return nil, &apperrors.HTTPStatusError{StatusCode: resp.StatusCode, URL: url}
		}
		return resp, nil
	})
}

func toRelease(payload githubRelease) *Release {
	release := &Release{
		Tag:         payload.TagName,
		Version:     normalizeVersion(payload.TagName),
		Name:        payload.Name,
		Notes:       payload.Body,
		PublishedAt: payload.PublishedAt,
	}

	for _, asset := range payload.Assets {
		if hasPackagedSuffix(asset.Name) {
			release.DownloadURL = asset.BrowserDownloadURL
			release.AssetName = asset.Name
			release.AssetSize = asset.Size
			return release
		}
	}

	release.DownloadURL = payload.TarballURL
	release.AssetName = "source-" + release.Version + ".tar.gz"
	return release
}

func hasPackagedSuffix(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range packagedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}
