package llm

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RateLimitError is returned for HTTP 429 responses. Delay is the
// server-suggested wait, zero when the server gave none. It satisfies the
// retry package's rate-limit signal.
type RateLimitError struct {
	URL   string
	Delay time.Duration
	Body  string
}

func (e *RateLimitError) Error() string {
	if e.Delay > 0 {
		return fmt.Sprintf("LLM rate limited at %s (retry after %s): %s", e.URL, e.Delay, truncate(e.Body, 300))
	}
	return fmt.Sprintf("LLM rate limited at %s: %s", e.URL, truncate(e.Body, 300))
}

func (e *RateLimitError) RateLimited() bool         { return true }
func (e *RateLimitError) RetryAfter() time.Duration { return e.Delay }

// APIError is any other non-200 response. It is not retried.
type APIError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("LLM API error %d: %s", e.StatusCode, truncate(e.Body, 500))
}

// newStatusError classifies a non-200 response.
func newStatusError(url string, resp *http.Response, body []byte) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{
			URL:   url,
			Delay: retryDelay(resp.Header.Get("Retry-After"), body, time.Now()),
			Body:  string(body),
		}
	}
	return &APIError{URL: url, StatusCode: resp.StatusCode, Body: string(body)}
}

// Gemini reports the suggested wait in a google.rpc.RetryInfo detail,
// e.g. "retryDelay": "37s".
var retryDelayPattern = regexp.MustCompile(`"retryDelay"\s*:\s*"([0-9.]+s)"`)

// retryDelay extracts the suggested wait from a Retry-After header
// (seconds or HTTP-date) or, failing that, from the response body.
func retryDelay(header string, body []byte, now time.Time) time.Duration {
	if header = strings.TrimSpace(header); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		if at, err := http.ParseTime(header); err == nil {
			if d := at.Sub(now); d > 0 {
				return d
			}
		}
	}
	if m := retryDelayPattern.FindSubmatch(body); m != nil {
		if d, err := time.ParseDuration(string(m[1])); err == nil && d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
