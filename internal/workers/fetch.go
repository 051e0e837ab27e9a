package workers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fedutinova/mockinterview/internal/common"
	"github.com/gabriel-vasile/mimetype"
)

// Media is a downloaded recording held in memory for upload.
type Media struct {
	Data      []byte
	MimeType  string
	Extension string
}

func (m *Media) Size() int64 { return int64(len(m.Data)) }

type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Fetch downloads a recording. Any 2xx is accepted. Timeouts, network errors
// and 5xx are transient; other statuses, oversize bodies and non-media content
// are permanent.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Media, error) {
	if url == "" {
		return nil, common.Permanent("fetch recording", errors.New("empty recording URL"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, common.Permanent("fetch recording", err)
	}
	req.Header.Set("User-Agent", "MockInterview-Media-Analyzer/1.0")
	req.Header.Set("Accept", "video/*, audio/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, common.WrapUnavailable("fetch recording", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return nil, common.WrapUnavailable("fetch recording", fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, common.Permanent("fetch recording", fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, common.Permanent("fetch recording",
			fmt.Errorf("recording too large: %d bytes (max %d)", resp.ContentLength, f.maxBytes))
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	if _, err := io.Copy(&buf, body); err != nil {
		return nil, common.WrapUnavailable("read recording", err)
	}
	if f.maxBytes > 0 && int64(buf.Len()) > f.maxBytes {
		return nil, common.Permanent("fetch recording", fmt.Errorf("recording exceeds %d bytes", f.maxBytes))
	}
	if buf.Len() == 0 {
		return nil, common.Permanent("fetch recording", errors.New("recording is empty"))
	}

	media := &Media{Data: buf.Bytes()}
	media.MimeType, media.Extension = contentType(resp.Header.Get("Content-Type"), media.Data)
	if !isMediaType(media.MimeType) {
		return nil, common.Permanent("fetch recording", fmt.Errorf("invalid content type: %s", media.MimeType))
	}

	slog.Debug("recording downloaded", "size_bytes", media.Size(), "mime_type", media.MimeType)
	return media, nil
}

// contentType trusts a specific header, otherwise sniffs the bytes.
func contentType(header string, data []byte) (string, string) {
	header = strings.TrimSpace(strings.Split(header, ";")[0])
	sniffed := mimetype.Detect(data)
	if header == "" || header == "application/octet-stream" || header == "binary/octet-stream" {
		return sniffed.String(), sniffed.Extension()
	}
	if m := mimetype.Lookup(header); m != nil {
		return header, m.Extension()
	}
	return header, sniffed.Extension()
}

func isMediaType(mimeType string) bool {
	return strings.HasPrefix(mimeType, "video/") || strings.HasPrefix(mimeType, "audio/")
}
