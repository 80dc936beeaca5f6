package download

import (
	"context"
	"io"
	"net/url"

	"github.com/Backblaze/blazer/b2"

	"github.com/breeze-rmm/autoupdate/internal/updater"
)

// B2Options configures the b2:// fetcher.
type B2Options struct {
	AccountID      string
	ApplicationKey string
}

// B2Fetcher serves b2://bucket/object URLs.
type B2Fetcher struct {
	client *b2.Client
}

// NewB2Fetcher authorizes against Backblaze B2.
func NewB2Fetcher(ctx context.Context, opts B2Options) (*B2Fetcher, error) {
	client, err := b2.NewClient(ctx, opts.AccountID, opts.ApplicationKey)
	if err != nil {
		return nil, err
	}
	return &B2Fetcher{client: client}, nil
}

func (f *B2Fetcher) Open(ctx context.Context, src *url.URL) (io.ReadCloser, int64, error) {
	bucketName, object, err := splitBucketPath(src)
	if err != nil {
		return nil, 0, err
	}
	bucket, err := f.client.Bucket(ctx, bucketName)
	if err != nil {
		return nil, 0, updater.NewError(updater.KindNetwork, "download", err)
	}
	obj := bucket.Object(object)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return nil, 0, updater.NewError(updater.KindNetwork, "download", err)
	}
	return obj.NewReader(ctx), attrs.Size, nil
}
