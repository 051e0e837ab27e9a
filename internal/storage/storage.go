package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Storage holds recordings referenced by key and archived analysis responses.
// DeleteFile removes an archive that no report ended up referencing.
type Storage interface {
	Put(ctx context.Context, key string, content io.Reader, contentType string) (*UploadResult, error)
	GetPresignedURL(ctx context.Context, key string, expiration time.Duration) (string, error)
	DeleteFile(ctx context.Context, key string) error
}

type UploadResult struct {
	Key string
	URL string
}

// ResolveURL turns a recording reference into something fetchable.
// http(s) URLs pass through; s3://bucket/key and bare keys are presigned.
func ResolveURL(ctx context.Context, s Storage, ref string, expiration time.Duration) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	key := ref
	if rest, ok := strings.CutPrefix(ref, "s3://"); ok {
		_, key, ok = strings.Cut(rest, "/")
		if !ok || key == "" {
			return "", fmt.Errorf("malformed recording reference %q", ref)
		}
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("empty recording reference")
	}
	if s == nil {
		return "", fmt.Errorf("recording %q is a storage key but no storage is configured", ref)
	}
	return s.GetPresignedURL(ctx, key, expiration)
}

// ArchiveKey is where the raw response for one run is stored.
func ArchiveKey(interviewID, kind string, at time.Time) string {
	return fmt.Sprintf("analyses/%s/%s-%d.json", interviewID, kind, at.Unix())
}
