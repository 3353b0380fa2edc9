// Package tika implements domain.DocParser against an Apache Tika server.
// It performs PUT /tika with Accept: text/plain to retrieve extracted text.
// See: https://tika.apache.org/server/ for API details.
package tika

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/pkg/textx"
)

type Client struct {
	baseURL string
	hc      *http.Client
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9998"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 60 * time.Second},
	}
}

// Parse extracts plain text from the file at path. The parse pipeline
// downloads attachments into the system temp dir; anything outside it (or
// the working directory, for tests) is rejected before opening.
//
// Failures are wrapped in domain.ParseError. Transport failures and Tika
// 5xx are retryable; a 4xx means the document itself cannot be parsed and
// retrying would burn attempts for nothing.
func (c *Client) Parse(ctx domain.Context, path, contentType string) (string, error) {
	openPath, err := constrainPath(path)
	if err != nil {
		return "", &domain.ParseError{Retryable: false, Err: err}
	}
	data, err := os.ReadFile(openPath)
	if err != nil {
		return "", &domain.ParseError{Retryable: false, Err: fmt.Errorf("op=tika.read: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/tika", bytes.NewReader(data))
	if err != nil {
		return "", &domain.ParseError{Retryable: false, Err: fmt.Errorf("op=tika.request: %w", err)}
	}
	req.Header.Set("Accept", "text/plain")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", &domain.ParseError{Retryable: true, Err: fmt.Errorf("op=tika.extract: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", &domain.ParseError{Retryable: false, Err: fmt.Errorf("op=tika.extract: status %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &domain.ParseError{Retryable: true, Err: fmt.Errorf("op=tika.extract: status %d", resp.StatusCode)}
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &domain.ParseError{Retryable: true, Err: fmt.Errorf("op=tika.read_body: %w", err)}
	}
	// Sanitize control characters, then collapse whitespace runs so the
	// stored text is compact and KG-friendly.
	return textx.CollapseSpaces(textx.SanitizeText(string(b))), nil
}

// Ping verifies the Tika server is reachable, for readiness checks.
func (c *Client) Ping(ctx domain.Context) error {
	u, err := url.JoinPath(c.baseURL, "/tika")
	if err != nil {
		return fmt.Errorf("op=tika.ping: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("op=tika.ping: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=tika.ping: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=tika.ping: status %d", resp.StatusCode)
	}
	return nil
}

// constrainPath confines reads to the temp dir or the working directory.
func constrainPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)
	for _, base := range []string{filepath.Clean(os.TempDir()), workingDir()} {
		if base == "" {
			continue
		}
		if abs == base || strings.HasPrefix(abs, base+string(os.PathSeparator)) {
			return abs, nil
		}
	}
	return "", errors.New("disallowed path: " + abs)
}

func workingDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return filepath.Clean(wd)
}
