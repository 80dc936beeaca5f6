package download

import "context"

// CloudOptions lists object-store credentials. Only configured stores get a
// fetcher; clients are built on first use.
type CloudOptions struct {
	S3    *S3Options
	GCS   *GCSOptions
	Azure *AzureOptions
	B2    *B2Options
}

// WithCloudFetchers registers s3://, gs://, azblob:// and b2:// fetchers for
// the stores present in opts.
func WithCloudFetchers(opts CloudOptions) Option {
	return func(v *Verifier) {
		if s3opts := opts.S3; s3opts != nil {
			v.fetchers["s3"] = Lazy(func(ctx context.Context) (Fetcher, error) {
				return NewS3Fetcher(ctx, *s3opts)
			})
		}
		if gcsOpts := opts.GCS; gcsOpts != nil {
			v.fetchers["gs"] = Lazy(func(ctx context.Context) (Fetcher, error) {
				return NewGCSFetcher(context.WithoutCancel(ctx), *gcsOpts)
			})
		}
		if azOpts := opts.Azure; azOpts != nil {
			v.fetchers["azblob"] = Lazy(func(context.Context) (Fetcher, error) {
				return NewAzureFetcher(*azOpts)
			})
		}
		if b2opts := opts.B2; b2opts != nil {
			v.fetchers["b2"] = Lazy(func(ctx context.Context) (Fetcher, error) {
				return NewB2Fetcher(context.WithoutCancel(ctx), *b2opts)
			})
		}
	}
}
