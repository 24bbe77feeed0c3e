package util

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GenerateJobKey returns a unique, hard to guess key that can be used
// to access a job instead of its sequential id.
func GenerateJobKey() string {
	var b [20]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b[:]))
}

// GetPullCacheKey is the cache key for pulled content addressed by URL.
func GetPullCacheKey(url string) string {
	return fmt.Sprintf("pull:%s", url)
}

// GetSnapshotObjectPath is the object-store path for a snapshot
// archive.
func GetSnapshotObjectPath(project int64, snapshot string) string {
	return fmt.Sprintf("snapshots/%d/%s.zip", project, snapshot)
}
