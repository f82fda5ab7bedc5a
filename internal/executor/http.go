package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shaiso/Jobhost/internal/telemetry"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPRunner выполняет HTTP-запрос.
//
// Параметры (job.Parameters, затем task.Config):
//   - url (string): обязательно
//   - method (string): default GET
//   - headers (map): заголовки
//   - body (any): тело (сериализуется в JSON)
//   - timeout_sec (number): default 30
//
// Ответ >= 400 — ошибка workflow.
type HTTPRunner struct {
	Client *http.Client
}

// Run выполняет запрос.
func (e *HTTPRunner) Run(ctx context.Context, run *Run) (string, error) {
	url := run.String("url", "")
	if url == "" {
		return "", fmt.Errorf("%w: url is required", ErrHTTPRequest)
	}
	method := run.String("method", http.MethodGet)

	ctx, cancel := context.WithTimeout(ctx, run.Seconds("timeout_sec", defaultHTTPTimeout))
	defer cancel()

	var bodyReader io.Reader
	if body, ok := run.Param("body"); ok && body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("%w: marshal body: %v", ErrHTTPRequest, err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
	}
	if headers, ok := run.Param("headers"); ok {
		setHeaders(req, headers)
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Jobhost-Job-Id", run.Job.ID.String())

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}

	logger := telemetry.FromContext(ctx)
	logger.Debug("http request", "method", method, "url", url)

	run.Progress(10, fmt.Sprintf("%s %s", method, url))
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()
	logger.Debug("http response", "status", resp.StatusCode)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: HTTP %d: %s", ErrHTTPRequest, resp.StatusCode, truncate(string(respBody), 200))
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)), nil
}

func setHeaders(req *http.Request, headers any) {
	switch h := headers.(type) {
	case map[string]any:
		for key, val := range h {
			if s, ok := val.(string); ok {
				req.Header.Set(key, s)
			}
		}
	case map[string]string:
		for key, val := range h {
			req.Header.Set(key, val)
		}
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
