// Package gotenberg talks to a Gotenberg conversion backend.
package gotenberg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/Lllllllleong/docgenflow/internal/config"
	"github.com/Lllllllleong/docgenflow/internal/models"
)

const (
	libreOfficePath = "/forms/libreoffice/convert"
	chromiumPath    = "/forms/chromium/convert/html"
)

// Client converts office documents and HTML into PDF.
type Client struct {
	baseURL    string
	httpClient *http.Client

	minWait    time.Duration
	maxWait    time.Duration
	maxTimeout time.Duration
	maxAttempt int

	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg config.GotenbergConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.MaxTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: httpClient,
		minWait:    cfg.MinWait,
		maxWait:    cfg.MaxWait,
		maxTimeout: cfg.MaxTimeout,
		maxAttempt: cfg.MaxAttempt,
		sleep:      sleepContext,
	}
}

type formFile struct {
	name    string
	content []byte
}

// ConvertDocx converts an office document through LibreOffice.
func (c *Client) ConvertDocx(ctx context.Context, content []byte, filename string) ([]byte, error) {
	if filename == "" {
		filename = "document.docx"
	}
	return c.convert(ctx, libreOfficePath, []formFile{{name: filename, content: content}})
}

// ConvertHTML converts an HTML page through Chromium. Header and footer are
// optional and omitted when empty.
func (c *Client) ConvertHTML(ctx context.Context, index, header, footer []byte) ([]byte, error) {
	files := []formFile{{name: "index.html", content: index}}
	if len(header) > 0 {
		files = append(files, formFile{name: "header.html", content: header})
	}
	if len(footer) > 0 {
		files = append(files, formFile{name: "footer.html", content: footer})
	}
	return c.convert(ctx, chromiumPath, files)
}

func (c *Client) convert(ctx context.Context, endpoint string, files []formFile) ([]byte, error) {
	body, contentType, err := buildForm(files)
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart form: %w", err)
	}

	start := time.Now()
	var lastErr error
	attempt := 0
	for attempt < c.maxAttempt {
		attempt++
		pdf, err := c.post(ctx, endpoint, body, contentType)
		if err == nil {
			return pdf, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		if attempt >= c.maxAttempt || time.Since(start) >= c.maxTimeout {
			break
		}
		wait := c.randomWait()
		slog.Warn(
			"Conversion failed, will retry.",
			"endpoint", endpoint,
			"attempt", attempt,
			"maxAttempt", c.maxAttempt,
			"wait", wait.String(),
			"error", err,
		)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
		if time.Since(start) >= c.maxTimeout {
			break
		}
	}
	slog.Error("Conversion failed after all retries.", "endpoint", endpoint, "attempts", attempt, "error", lastErr)
	return nil, models.NewConversionFailed(attempt, lastErr)
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(data, 200))
	}
	return data, nil
}

func (c *Client) randomWait() time.Duration {
	if c.maxWait <= c.minWait {
		return c.minWait
	}
	return c.minWait + rand.N(c.maxWait-c.minWait)
}

func buildForm(files []formFile) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := w.CreateFormFile("files", f.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.content); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
