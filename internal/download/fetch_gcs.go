package download

import (
	"context"
	"io"
	"net/url"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/breeze-rmm/autoupdate/internal/updater"
)

// GCSOptions configures the gs:// fetcher. Without a credentials file the
// application default credentials are used.
type GCSOptions struct {
	CredentialsFile string
	Endpoint        string
}

// GCSFetcher serves gs://bucket/object URLs.
type GCSFetcher struct {
	client *storage.Client
}

// NewGCSFetcher builds a Cloud Storage client.
func NewGCSFetcher(ctx context.Context, opts GCSOptions) (*GCSFetcher, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, err
	}
	return &GCSFetcher{client: client}, nil
}

func (f *GCSFetcher) Open(ctx context.Context, src *url.URL) (io.ReadCloser, int64, error) {
	bucket, object, err := splitBucketPath(src)
	if err != nil {
		return nil, 0, err
	}
	r, err := f.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, 0, updater.NewError(updater.KindNetwork, "download", err)
	}
	return r, r.Attrs.Size, nil
}

// Close releases the client.
func (f *GCSFetcher) Close() error {
	return f.client.Close()
}
