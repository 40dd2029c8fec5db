package fetch

import (
	"context"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureOpener reads azblob://container/blob from the storage account at
// AccountURL. The URL may carry a SAS token as its query string.
type AzureOpener struct {
	AccountURL string

	once   sync.Once
	client *azblob.Client
	err    error
}

func (o *AzureOpener) init() error {
	o.once.Do(func() {
		if o.AccountURL == "" {
			o.err = fmt.Errorf("azure_account_url is not configured")
			return
		}
		o.client, o.err = azblob.NewClientWithNoCredential(o.AccountURL, nil)
		if o.err != nil {
			o.err = fmt.Errorf("create azure blob client: %w", o.err)
		}
	})
	return o.err
}

func (o *AzureOpener) Open(ctx context.Context, rawURL string, offset int64) (*Object, error) {
	container, blob, err := splitBucketKey(rawURL)
	if err != nil {
		return nil, err
	}
	if err := o.init(); err != nil {
		return nil, Permanent(err)
	}

	resp, err := o.client.DownloadStream(ctx, container, blob, &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: offset},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure) {
			return nil, Permanent(err)
		}
		return nil, err
	}

	size := int64(-1)
	if resp.ContentRange != nil {
		size = parseContentRange(*resp.ContentRange)
	} else if resp.ContentLength != nil {
		size = *resp.ContentLength + offset
	}
	return &Object{Body: resp.Body, Offset: offset, Size: size}, nil
}
