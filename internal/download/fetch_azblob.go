package download

import (
	"context"
	"errors"
	"io"
	"net/url"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/breeze-rmm/autoupdate/internal/updater"
)

// AzureOptions configures the azblob:// fetcher. Either a connection string
// or a service URL carrying a SAS token is required.
type AzureOptions struct {
	ConnectionString string
	ServiceURL       string
}

// AzureFetcher serves azblob://container/blob URLs.
type AzureFetcher struct {
	client *azblob.Client
}

// NewAzureFetcher builds a blob client.
func NewAzureFetcher(opts AzureOptions) (*AzureFetcher, error) {
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case opts.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(opts.ConnectionString, nil)
	case opts.ServiceURL != "":
		client, err = azblob.NewClientWithNoCredential(opts.ServiceURL, nil)
	default:
		return nil, errors.New("azure connection string or service URL required")
	}
	if err != nil {
		return nil, err
	}
	return &AzureFetcher{client: client}, nil
}

func (f *AzureFetcher) Open(ctx context.Context, src *url.URL) (io.ReadCloser, int64, error) {
	container, blob, err := splitBucketPath(src)
	if err != nil {
		return nil, 0, err
	}
	resp, err := f.client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return nil, 0, updater.NewError(updater.KindNetwork, "download", err)
	}
	size := int64(-1)
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}
