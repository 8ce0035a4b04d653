package destination

import (
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// Bucket uploads into a gocloud bucket, keeping the caption as object metadata.
type Bucket struct {
	bucket *blob.Bucket
}

func OpenBucket(ctx context.Context, bucketURL string) (*Bucket, error) {
	b, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket: %w", err)
	}

	return &Bucket{bucket: b}, nil
}

func NewBucket(b *blob.Bucket) *Bucket {
	return &Bucket{bucket: b}
}

func (b *Bucket) Upload(ctx context.Context, obj Object, r io.Reader) error {
	// the writer discards the object when its context is cancelled before Close
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := b.bucket.NewWriter(writeCtx, obj.Name, &blob.WriterOptions{
		Metadata: map[string]string{"caption": obj.Caption},
	})
	if err != nil {
		return fmt.Errorf("failed to create writer for %s: %w", obj.Name, err)
	}

	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()

		return fmt.Errorf("failed to write %s: %w", obj.Name, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish %s: %w", obj.Name, err)
	}

	return nil
}

func (b *Bucket) Close() error {
	return b.bucket.Close()
}
