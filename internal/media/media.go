// Package media fetches inbound message attachments: it resolves the
// download URL for a media code through the robot API and stores the bytes
// under the configured inbound directory.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openclaw/dingbridge/internal/auth"
)

const defaultBaseURL = "https://api.dingtalk.com"

// maxDownloadBytes caps a single attachment fetch.
const maxDownloadBytes = 64 << 20

// File describes a stored attachment.
type File struct {
	Path        string
	ContentType string
}

// Downloader resolves and stores message attachments.
type Downloader struct {
	baseURL string
	httpc   *http.Client
	tokens  *auth.TokenSource
	dir     string
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithBaseURL overrides the open API base, used by tests.
func WithBaseURL(base string) Option {
	return func(d *Downloader) { d.baseURL = base }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) { d.httpc = c }
}

// NewDownloader creates a Downloader storing files under dir.
func NewDownloader(tokens *auth.TokenSource, dir string, opts ...Option) *Downloader {
	d := &Downloader{
		baseURL: defaultBaseURL,
		httpc:   &http.Client{Timeout: 60 * time.Second},
		tokens:  tokens,
		dir:     dir,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Download fetches the attachment behind downloadCode. A missing robot code
// means the account cannot call the download API; that is not an error, the
// message is simply handled without its attachment.
func (d *Downloader) Download(ctx context.Context, clientID, clientSecret, robotCode, downloadCode string, log zerolog.Logger) (*File, error) {
	if robotCode == "" {
		log.Debug().Msg("no robot code configured, skipping media download")
		return nil, nil
	}
	if downloadCode == "" {
		return nil, nil
	}

	url, err := d.resolveURL(ctx, clientID, clientSecret, robotCode, downloadCode)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("media: build download request: %w", err)
	}
	resp, err := d.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media: fetch: status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	path := filepath.Join(d.dir, uuid.NewString()+extFor(contentType))
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("media: create file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, io.LimitReader(resp.Body, maxDownloadBytes)); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("media: write file: %w", err)
	}

	log.Debug().Str("path", path).Str("contentType", contentType).Msg("media stored")
	return &File{Path: path, ContentType: contentType}, nil
}

// resolveURL exchanges a download code for a short-lived URL.
func (d *Downloader) resolveURL(ctx context.Context, clientID, clientSecret, robotCode, downloadCode string) (string, error) {
	token, err := d.tokens.AccessToken(ctx, clientID, clientSecret)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(map[string]string{
		"downloadCode": downloadCode,
		"robotCode":    robotCode,
	})
	if err != nil {
		return "", fmt.Errorf("media: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.baseURL+"/v1.0/robot/messageFiles/download", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("media: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-acs-dingtalk-access-token", token)

	resp, err := d.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("media: resolve url: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media: resolve url: status %d: %s", resp.StatusCode, raw)
	}

	var out struct {
		DownloadURL string `json:"downloadUrl"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("media: decode response: %w", err)
	}
	if out.DownloadURL == "" {
		return "", fmt.Errorf("media: empty download url in response")
	}
	return out.DownloadURL, nil
}

func extFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	}
	exts, err := mime.ExtensionsByType(contentType)
	if err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
