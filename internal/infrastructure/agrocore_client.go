package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"nutripilot/internal/entities"
)

// StatusError is a non-2xx answer from an upstream HTTP service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d", e.Code)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.Code, e.Body)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// AgroCoreClient calls the external formula analysis API.
type AgroCoreClient struct {
	baseURL string
	http    *http.Client
	retries int
	backoff time.Duration
	log     zerolog.Logger
}

func NewAgroCoreClient(baseURL string, timeout time.Duration, retries int, logger zerolog.Logger) *AgroCoreClient {
	return &AgroCoreClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		retries: retries,
		backoff: 500 * time.Millisecond,
		log:     logger.With().Str("component", "agrocore").Logger(),
	}
}

type analyzeRequest struct {
	Locale      string `json:"locale"`
	FormulaText string `json:"formula_text"`
}

// Analyze posts the formula text to /v1/analyze.
func (c *AgroCoreClient) Analyze(ctx context.Context, locale, formulaText string) (*entities.ExternalAnalysis, error) {
	payload, err := json.Marshal(analyzeRequest{Locale: locale, FormulaText: formulaText})
	if err != nil {
		return nil, err
	}
	var out entities.ExternalAnalysis
	err = c.do(ctx, "analyze", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Ingest uploads a formula file to /v1/ingest as multipart field "file".
func (c *AgroCoreClient) Ingest(ctx context.Context, filename, contentType string, file io.Reader) (*entities.IngestResult, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}

	var out entities.IngestResult
	err = c.do(ctx, "ingest", func() (*http.Request, error) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreatePart(fileHeader(filename, contentType))
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ingest", &body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Health calls /v1/health without retries.
func (c *AgroCoreClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agrocore health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// do sends the request built by newReq, retrying 429/5xx and transport errors with exponential backoff.
// Timeouts are not retried.
func (c *AgroCoreClient) do(ctx context.Context, op string, newReq func() (*http.Request, error), out interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			wait := c.backoff << (attempt - 1)
			c.log.Warn().Err(lastErr).Str("op", op).Int("attempt", attempt).Dur("wait", wait).Msg("retrying agrocore call")
			select {
			case <-ctx.Done():
				return fmt.Errorf("agrocore %s: %w", op, ctx.Err())
			case <-time.After(wait):
			}
		}

		req, err := newReq()
		if err != nil {
			return fmt.Errorf("agrocore %s: build request: %w", op, err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("agrocore %s: %w", op, ctx.Err())
			}
			// a timed out call already used the whole budget
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("agrocore %s: %w", op, context.DeadlineExceeded)
			}
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode/100 != 2 {
			lastErr = &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(truncate(string(body), 200))}
			if retryable(resp.StatusCode) {
				continue
			}
			return fmt.Errorf("agrocore %s: %w", op, lastErr)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("agrocore %s: decode response: %w", op, err)
		}
		return nil
	}
	return fmt.Errorf("agrocore %s: giving up after %d attempts: %w", op, c.retries+1, lastErr)
}

func fileHeader(filename, contentType string) textproto.MIMEHeader {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename="%s"`, strings.ReplaceAll(filename, `"`, ""))},
		"Content-Type":        {contentType},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
