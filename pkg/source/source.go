// Package source abstracts discovery of acquisition files for a streaming run.
//
// A Source watches one backing store - a watch directory exported by the
// acquisition machine, or an S3 bucket/prefix - and reports files as they
// become available. Discovery is poll-based: the pipeline calls Poll on a
// rate-limited interval and admits whatever arrived since the previous call.
package source

import (
	"context"
	"time"
)

// Item is a discovered input file.
//
// Name is the handle for everything downstream: match patterns, tilt-series
// resolution, and Fetch all operate on it.
type Item struct {
	// Name is the source-relative name (slash-separated).
	Name string

	// Size is the file size in bytes at discovery time.
	Size int64

	// ModTime is the file's last-modification time at discovery time.
	ModTime time.Time
}

// Source discovers input files as they arrive in a backing store.
//
// Implementations should:
//   - Report each item exactly once per Source instance
//   - Tolerate files disappearing between discovery and fetch
//
// A Source is driven by a single polling goroutine and does not need to be
// safe for concurrent use.
type Source interface {
	// Poll returns items that became available since the previous call.
	// An empty slice with a nil error means nothing new has arrived.
	Poll(ctx context.Context) ([]Item, error)

	// Fetch makes the named item available as a local file and returns its
	// absolute path. Local backends resolve the path in place; remote
	// backends download the object into a staging directory.
	// Returns ErrNotFound if the item no longer exists.
	Fetch(ctx context.Context, name string) (string, error)

	// Close releases any resources held by the source.
	Close() error
}

// Backend identifies a source backend.
type Backend string

const (
	// BackendDir watches a local directory tree.
	BackendDir Backend = "dir"

	// BackendS3 watches an S3 bucket/prefix.
	BackendS3 Backend = "s3"
)

// String returns the string representation of the backend.
func (b Backend) String() string {
	return string(b)
}
