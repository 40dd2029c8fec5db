package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSOpener reads gs://bucket/object. Without a credentials file the
// application default credentials are used.
type GCSOpener struct {
	CredentialsFile string

	once   sync.Once
	client *storage.Client
	err    error
}

func (o *GCSOpener) init(ctx context.Context) error {
	o.once.Do(func() {
		var opts []option.ClientOption
		if o.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(o.CredentialsFile))
		}
		// The client outlives the first request's context.
		o.client, o.err = storage.NewClient(context.WithoutCancel(ctx), opts...)
		if o.err != nil {
			o.err = fmt.Errorf("create gcs client: %w", o.err)
		}
	})
	return o.err
}

func (o *GCSOpener) Open(ctx context.Context, rawURL string, offset int64) (*Object, error) {
	bucket, name, err := splitBucketKey(rawURL)
	if err != nil {
		return nil, err
	}
	if err := o.init(ctx); err != nil {
		return nil, Permanent(err)
	}

	r, err := o.client.Bucket(bucket).Object(name).NewRangeReader(ctx, offset, -1)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyGCS(err)
	}
	return &Object{Body: r, Offset: offset, Size: r.Attrs.Size}, nil
}

func classifyGCS(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return Permanent(err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == 401 || gerr.Code == 403 || gerr.Code == 404) {
		return Permanent(err)
	}
	return err
}
