package fetch

import (
	"context"
	"fmt"
	"sync"

	"github.com/Backblaze/blazer/b2"
)

// B2Opener reads b2://bucket/object from Backblaze B2.
type B2Opener struct {
	AccountID      string
	ApplicationKey string

	once   sync.Once
	client *b2.Client
	err    error
}

func (o *B2Opener) init(ctx context.Context) error {
	o.once.Do(func() {
		if o.AccountID == "" || o.ApplicationKey == "" {
			o.err = fmt.Errorf("b2 credentials are not configured")
			return
		}
		o.client, o.err = b2.NewClient(context.WithoutCancel(ctx), o.AccountID, o.ApplicationKey)
		if o.err != nil {
			o.err = fmt.Errorf("create b2 client: %w", o.err)
		}
	})
	return o.err
}

func (o *B2Opener) Open(ctx context.Context, rawURL string, offset int64) (*Object, error) {
	bucketName, name, err := splitBucketKey(rawURL)
	if err != nil {
		return nil, err
	}
	if err := o.init(ctx); err != nil {
		return nil, Permanent(err)
	}

	bucket, err := o.client.Bucket(ctx, bucketName)
	if err != nil {
		return nil, classifyB2(ctx, err)
	}
	obj := bucket.Object(name)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return nil, classifyB2(ctx, err)
	}
	if offset > attrs.Size {
		offset = 0
	}
	r := obj.NewRangeReader(ctx, offset, attrs.Size-offset)
	return &Object{Body: r, Offset: offset, Size: attrs.Size}, nil
}

func classifyB2(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if b2.IsNotExist(err) {
		return Permanent(err)
	}
	return err
}
