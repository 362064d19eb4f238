package objectstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"mime"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Archiver copies artifacts into a Store under job-scoped keys.
//
// Keys are deterministic in (job, name), so persisting the same artifact twice overwrites
// the same object instead of leaving an orphan behind. Every Put is bounded by putTimeout.
type Archiver struct {
	store      Store
	fetcher    Fetcher
	prefix     string
	putTimeout time.Duration
}

// NewArchiver creates an Archiver. A non-positive putTimeout uses the default.
func NewArchiver(store Store, fetcher Fetcher, prefix string, putTimeout time.Duration) *Archiver {
	if putTimeout <= 0 {
		putTimeout = defaultPutTimeout
	}

	return &Archiver{
		store:      store,
		fetcher:    fetcher,
		prefix:     strings.Trim(prefix, "/"),
		putTimeout: putTimeout,
	}
}

// PersistURL downloads sourceURL and stores it as name under jobID.
func (a *Archiver) PersistURL(ctx context.Context, jobID, name, sourceURL string) (string, error) {
	data, contentType, err := a.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		return "", err
	}

	return a.PersistBytes(ctx, jobID, name, data, contentType)
}

// PersistBytes stores data as name under jobID and returns its durable URL.
func (a *Archiver) PersistBytes(ctx context.Context, jobID, name string, data []byte, contentType string) (string, error) {
	key := a.Key(jobID, name, contentType)

	ctx, cancel := context.WithTimeout(ctx, a.putTimeout)
	defer cancel()

	url, err := a.store.Put(ctx, key, data, contentType)
	if err != nil {
		return "", fmt.Errorf("persist artifact %s: %w", key, err)
	}

	return url, nil
}

// Key builds "<prefix>/<caller>/<request>-<digest>/<name><ext>" from a "<caller>:<request>"
// job id. The readable segments are lossy, so the digest of the raw job id keeps keys of
// distinct jobs apart.
func (a *Archiver) Key(jobID, name, contentType string) string {
	parts := make([]string, 0, 4)
	if a.prefix != "" {
		parts = append(parts, a.prefix)
	}

	caller, request, _ := strings.Cut(jobID, ":")
	parts = append(parts, safeSegment(caller), safeSegment(request)+"-"+jobDigest(jobID))

	return strings.Join(append(parts, safeSegment(name)+extensionFor(contentType)), "/")
}

func jobDigest(jobID string) string {
	sum := blake2b.Sum256([]byte(jobID))

	return hex.EncodeToString(sum[:8])
}

func safeSegment(s string) string {
	s = strings.Trim(unsafeKeyChars.ReplaceAllString(s, "_"), "._")
	if s == "" {
		return "_"
	}

	return s
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}

	switch mediaType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}

	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}

	return ""
}
