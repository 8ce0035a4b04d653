// Package destination is where finished files are delivered.
package destination

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Object describes one file being delivered.
type Object struct {
	Name    string
	Caption string
	Size    int64
}

// Destination stores uploaded files. Cancelling ctx aborts an in-flight Upload
// without leaving a partial object behind where the backend allows it.
type Destination interface {
	Upload(ctx context.Context, obj Object, r io.Reader) error
	Close() error
}

// Open picks a destination by URL scheme: putio://<folder> for put.io, anything
// else is handed to gocloud blob (file://, mem://, s3://, gs://).
func Open(ctx context.Context, rawURL, putioToken string) (Destination, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse destination url: %w", err)
	}

	if u.Scheme == "putio" {
		folder := strings.Trim(u.Host+u.Path, "/")

		return NewPutio(putioToken, folder), nil
	}

	return OpenBucket(ctx, rawURL)
}
