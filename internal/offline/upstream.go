package offline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/fine-life/internal/config"
	"github.com/dalfonso89/fine-life/internal/models"
)

// hopHeaders are not forwarded or captured
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
	"Content-Length":      true,
	"Accept-Encoding":     true,
}

// Dispatcher re-issues a queued operation against the upstream and returns
// the body of a successful response
type Dispatcher interface {
	Dispatch(ctx context.Context, op models.QueuedOperation) ([]byte, error)
}

// StatusError is a replay the upstream answered with a non-2xx status
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// Upstream is the HTTP client for the Fine Life API
type Upstream struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     logrus.FieldLogger
}

// NewUpstream creates a client for the configured upstream
func NewUpstream(configuration config.Upstream, logger logrus.FieldLogger) (*Upstream, error) {
	baseURL, err := url.Parse(configuration.BaseURL)
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", configuration.BaseURL)
	}
	timeout := configuration.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Upstream{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
			// redirects are the browser's business
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}, nil
}

// Do sends a request for requestURI. A non-nil error means the upstream
// could not be reached; any HTTP status is a successful round trip.
func (upstream *Upstream) Do(ctx context.Context, method, requestURI string, header http.Header, body []byte) (*http.Response, error) {
	target := strings.TrimRight(upstream.baseURL.String(), "/") + requestURI

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range header {
		if hopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	return upstream.httpClient.Do(req)
}

// Dispatch replays op verbatim; anything but 2xx is a failed attempt
func (upstream *Upstream) Dispatch(ctx context.Context, op models.QueuedOperation) ([]byte, error) {
	header := make(http.Header, len(op.Headers))
	for key, value := range op.Headers {
		header.Set(key, value)
	}

	body := []byte(op.Payload)
	if len(body) == 0 {
		body = op.RawBody
	}

	resp, err := upstream.Do(ctx, op.Method, op.TargetPath, header, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		// the upstream applied the write; only its answer is lost
		upstream.logger.Warnf("Failed to read replay response for %s: %v", op.TargetPath, err)
		return nil, nil
	}
	return data, nil
}

// Reachable reports whether the upstream answers at all
func (upstream *Upstream) Reachable(ctx context.Context) bool {
	resp, err := upstream.Do(ctx, http.MethodHead, "/", nil, nil)
	if err != nil {
		upstream.logger.Debugf("Upstream unreachable: %v", err)
		return false
	}
	resp.Body.Close()
	return true
}

// captureHeaders flattens the request headers worth replaying
func captureHeaders(header http.Header) map[string]string {
	captured := make(map[string]string, len(header))
	for key, values := range header {
		canonical := http.CanonicalHeaderKey(key)
		if hopHeaders[canonical] || len(values) == 0 {
			continue
		}
		captured[canonical] = strings.Join(values, ", ")
	}
	return captured
}
