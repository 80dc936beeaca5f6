package config

import "github.com/breeze-rmm/autoupdate/internal/download"

// CloudOptions returns fetcher settings for the configured object stores.
func (c *Config) CloudOptions() download.CloudOptions {
	var opts download.CloudOptions
	s := c.Storage

	if s.S3.Enabled || s.S3.AccessKeyID != "" || s.S3.Endpoint != "" {
		opts.S3 = &download.S3Options{
			Region:          s.S3.Region,
			Endpoint:        s.S3.Endpoint,
			AccessKeyID:     s.S3.AccessKeyID,
			SecretAccessKey: s.S3.SecretAccessKey,
			SessionToken:    s.S3.SessionToken,
			UsePathStyle:    s.S3.UsePathStyle,
		}
	}
	if s.GCS.Enabled || s.GCS.CredentialsFile != "" || s.GCS.Endpoint != "" {
		opts.GCS = &download.GCSOptions{
			CredentialsFile: s.GCS.CredentialsFile,
			Endpoint:        s.GCS.Endpoint,
		}
	}
	if s.Azure.ConnectionString != "" || s.Azure.ServiceURL != "" {
		opts.Azure = &download.AzureOptions{
			ConnectionString: s.Azure.ConnectionString,
			ServiceURL:       s.Azure.ServiceURL,
		}
	}
	if s.B2.AccountID != "" {
		opts.B2 = &download.B2Options{
			AccountID:      s.B2.AccountID,
			ApplicationKey: s.B2.ApplicationKey,
		}
	}
	return opts
}
