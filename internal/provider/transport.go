package provider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

const (
	maxErrorBody = 64 * 1024
	maxLineSize  = 1024 * 1024
)

// Send performs up with client. A non-2xx answer is drained, closed and returned as an
// *domain.UpstreamError; otherwise the caller owns resp.Body.
func Send(ctx context.Context, client *http.Client, p domain.Provider, up *Upstream) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, up.URL, bytes.NewReader(up.Body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range up.Header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &domain.UpstreamError{
			Provider:   p,
			StatusCode: resp.StatusCode,
			Message:    ErrorMessage(resp.StatusCode, body),
		}
	}

	return resp, nil
}

// ErrorMessage extracts the vendor's own error text from an error body. Non-JSON bodies
// are returned as text; an empty body falls back to the status text.
func ErrorMessage(status int, body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "error", "message", "detail"} {
			if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String && r.String() != "" {
				return r.String()
			}
		}
	}

	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return fmt.Sprintf("upstream returned %d %s", status, http.StatusText(status))
}

// ScanSSE calls fn for every data line of an event stream with the name of the event it
// belongs to ("" when unnamed).
func ScanSSE(ctx context.Context, r io.Reader, fn func(event string, data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	event := ""
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			event = ""
			continue
		}
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(name)
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}

		if err := fn(event, []byte(strings.TrimSpace(data))); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// ScanLines calls fn for every non-blank line of a newline-delimited JSON stream.
func ScanLines(ctx context.Context, r io.Reader, fn func(line []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// scanner reuses its buffer between calls
		if err := fn(bytes.Clone(line)); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}
