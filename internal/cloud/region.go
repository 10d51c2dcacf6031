// Package cloud adapts the AWS APIs this service drives: EC2 Auto Scaling
// (capacity control, instance termination) and CloudWatch (metric
// publication), mirroring the IMDSv2-based region detection and
// above-max/min-violation retry idioms of the original implementation.
package cloud

import (
	"context"
	"net/http"
	"os"
	"regexp"
	"sync"
	"time"
)

const (
	imdsTokenURL = "http://169.254.169.254/latest/api/token"
	imdsBaseURL  = "http://169.254.169.254/"
	imdsTimeout  = 3 * time.Second
)

var azSuffixPattern = regexp.MustCompile(`[a-z]$`)

// regionResolver lazily detects the AWS region once per process, preferring
// AWS_REGION and falling back to the IMDSv2 placement/availability-zone
// metadata endpoint. tokenURL/baseURL default to the real IMDS addresses and
// are only overridden in tests, so production callers never need to set
// them.
type regionResolver struct {
	once     sync.Once
	region   string
	ok       bool
	tokenURL string
	baseURL  string
}

func (r *regionResolver) resolve(ctx context.Context, httpClient *http.Client) (string, bool) {
	r.once.Do(func() {
		if v := os.Getenv("AWS_REGION"); v != "" {
			r.region, r.ok = v, true
			return
		}
		az, ok := r.imdsGet(ctx, httpClient, "latest/meta-data/placement/availability-zone")
		if !ok || az == "" {
			return
		}
		r.region, r.ok = azSuffixPattern.ReplaceAllString(az, ""), true
	})
	return r.region, r.ok
}

// imdsGet performs the two-step IMDSv2 handshake: a PUT for a session token,
// then a GET against path using that token. Any failure (no metadata
// service reachable, e.g. when running outside EC2) is reported as !ok
// rather than an error, since the caller's correct response is dry-run mode.
func (r *regionResolver) imdsGet(ctx context.Context, httpClient *http.Client, path string) (string, bool) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: imdsTimeout}
	}
	tokenURL := r.tokenURL
	if tokenURL == "" {
		tokenURL = imdsTokenURL
	}
	baseURL := r.baseURL
	if baseURL == "" {
		baseURL = imdsBaseURL
	}

	tokenCtx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()
	tokenReq, err := http.NewRequestWithContext(tokenCtx, http.MethodPut, tokenURL, nil)
	if err != nil {
		return "", false
	}
	tokenReq.Header.Set("x-aws-ec2-metadata-token-ttl-seconds", "21600")

	tokenResp, err := httpClient.Do(tokenReq)
	if err != nil {
		return "", false
	}
	defer tokenResp.Body.Close()
	token, err := readAllTrim(tokenResp)
	if err != nil || token == "" {
		return "", false
	}

	dataCtx, cancel2 := context.WithTimeout(ctx, imdsTimeout)
	defer cancel2()
	dataReq, err := http.NewRequestWithContext(dataCtx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return "", false
	}
	dataReq.Header.Set("x-aws-ec2-metadata-token", token)

	dataResp, err := httpClient.Do(dataReq)
	if err != nil {
		return "", false
	}
	defer dataResp.Body.Close()
	val, err := readAllTrim(dataResp)
	if err != nil {
		return "", false
	}
	return val, true
}
