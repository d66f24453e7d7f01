package agentsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/pdvdash/storesync/internal/source"
	"github.com/pkg/errors"
)

// HTTPError is a non-success response from the receiver.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// IsPermanent reports whether resending the same payload can never succeed.
func (e *HTTPError) IsPermanent() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// IsPermanent reports whether err is a permanent rejection of the payload.
func IsPermanent(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.IsPermanent()
}

// RemoteClient delivers records and deletions to the receiver.
type RemoteClient interface {
	// Send posts records to endpoint. Only an HTTP 200 is success.
	Send(ctx context.Context, endpoint string, records []source.Record) error
	// Delete announces that id is gone. 200 and 404 are both success.
	Delete(ctx context.Context, endpoint, id string) error
}

// ClientOptions configures an HTTPClient.
type ClientOptions struct {
	StoreID string
	// MaxRetries is the number of in-request retries on connection errors,
	// 429 and 5xx. Zero leaves retrying to the next sync cycle.
	MaxRetries int
	Gzip       bool
}

type HTTPClient struct {
	baseURL    string
	token      string
	storeID    string
	httpClient *http.Client
	gzip       bool
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client, opts ClientOptions) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		storeID:    strings.TrimSpace(opts.StoreID),
		httpClient: httpClient,
		gzip:       opts.Gzip,
		maxRetries: opts.MaxRetries,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   10 * time.Second,
	}
}

func (c *HTTPClient) Send(ctx context.Context, endpoint string, records []source.Record) error {
	if records == nil {
		records = []source.Record{}
	}
	return c.doJSON(ctx, http.MethodPost, endpoint, records, false)
}

func (c *HTTPClient) Delete(ctx context.Context, endpoint, id string) error {
	return c.doJSON(ctx, http.MethodPost, endpoint, map[string]string{source.IdentityField: id}, true)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, notFoundOK bool) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encoding request body")
	}
	encoding := ""
	if c.gzip {
		if bodyBytes, err = gzipBytes(bodyBytes); err != nil {
			return err
		}
		encoding = "gzip"
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.url(requestPath), bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		req.Header.Set("Content-Type", "application/json")
		if encoding != "" {
			req.Header.Set("Content-Encoding", encoding)
		}
		if c.storeID != "" {
			req.Header.Set("X-Store-Id", c.storeID)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode == http.StatusOK || (notFoundOK && resp.StatusCode == http.StatusNotFound) {
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = strings.TrimSpace(string(payloadBytes))
			if len(errPayload.Message) > 200 {
				errPayload.Message = errPayload.Message[:200]
			}
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) url(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return c.baseURL + endpoint
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, errors.Wrap(err, "compressing request body")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "compressing request body")
	}
	return buf.Bytes(), nil
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
