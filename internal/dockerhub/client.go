// Package dockerhub reads the anonymous pull rate-limit budget exposed by
// Docker Hub's registry auth flow: a short-lived token for a known public
// image, followed by a HEAD request whose ratelimit-* headers carry the
// budget. No credentials are involved; the "ratelimitpreview/test" image is
// the registry's own advertised probe target for this purpose.
package dockerhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"ci-scaler/internal/apperror"
	"ci-scaler/internal/types"
)

const (
	tokenURL    = "https://auth.docker.io/token?service=registry.docker.io&scope=repository:ratelimitpreview/test:pull"
	manifestURL = "https://registry-1.docker.io/v2/ratelimitpreview/test/manifests/latest"
)

// Client fetches Docker Hub's current rate-limit budget. tokenURL and
// manifestURL default to the real Docker Hub endpoints; tests override them
// to point at an httptest server.
type Client struct {
	httpClient  *http.Client
	tokenURL    string
	manifestURL string
}

// NewClient returns a Client using the given http.Client (nil selects
// http.DefaultClient).
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, tokenURL: tokenURL, manifestURL: manifestURL}
}

var rateLimitSemicolon = regexp.MustCompile(`;.*$`)

// FetchRateLimits mirrors docker_hub_fetch_rate_limits: acquire an anonymous
// pull token for a known probe image, then read the ratelimit-limit /
// ratelimit-remaining headers off a HEAD request for its manifest.
func (c *Client) FetchRateLimits(ctx context.Context) (types.RateLimits, error) {
	token, err := c.fetchToken(ctx)
	if err != nil {
		return types.RateLimits{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.manifestURL, nil)
	if err != nil {
		return types.RateLimits{}, apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "build docker hub manifest request failed")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.RateLimits{}, apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "fetch docker hub manifest failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.RateLimits{}, apperror.New(apperror.CodeUpstreamUnavailable, fmt.Sprintf("docker hub manifest request returned status %d", resp.StatusCode))
	}

	return types.RateLimits{
		Limit:     parseRateLimitHeader(resp.Header.Get("ratelimit-limit")),
		Remaining: parseRateLimitHeader(resp.Header.Get("ratelimit-remaining")),
	}, nil
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tokenURL, nil)
	if err != nil {
		return "", apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "build docker hub token request failed")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "fetch docker hub token failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperror.New(apperror.CodeUpstreamUnavailable, fmt.Sprintf("docker hub token request returned status %d", resp.StatusCode))
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "decode docker hub token response failed")
	}
	return body.Token, nil
}

// parseRateLimitHeader strips a ";w=..." window suffix (e.g. "100;w=21600")
// and parses the remaining integer, returning 0 for anything unparseable.
func parseRateLimitHeader(v string) int {
	v = strings.TrimSpace(rateLimitSemicolon.ReplaceAllString(v, ""))
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
