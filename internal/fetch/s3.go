package fetch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Opener reads s3://bucket/key with a ranged GetObject. Static keys are
// optional; without them the default AWS credential chain applies. Endpoint
// selects an S3-compatible service (path-style addressing).
type S3Opener struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string

	once   sync.Once
	client *s3.Client
	err    error
}

func (o *S3Opener) init(ctx context.Context) error {
	o.once.Do(func() {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if o.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(o.Region))
		}
		if o.AccessKeyID != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(o.AccessKeyID, o.SecretAccessKey, "")))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			o.err = fmt.Errorf("load aws config: %w", err)
			return
		}
		o.client = s3.NewFromConfig(cfg, func(opts *s3.Options) {
			if o.Endpoint != "" {
				opts.BaseEndpoint = aws.String(o.Endpoint)
				opts.UsePathStyle = true
			}
		})
	})
	return o.err
}

func (o *S3Opener) Open(ctx context.Context, rawURL string, offset int64) (*Object, error) {
	bucket, key, err := splitBucketKey(rawURL)
	if err != nil {
		return nil, err
	}
	if err := o.init(ctx); err != nil {
		return nil, Permanent(err)
	}

	in := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if offset > 0 {
		in.Range = aws.String("bytes=" + strconv.FormatInt(offset, 10) + "-")
	}
	out, err := o.client.GetObject(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyS3(err)
	}

	size := int64(-1)
	if out.ContentRange != nil {
		size = parseContentRange(aws.ToString(out.ContentRange))
	} else if out.ContentLength != nil {
		size = *out.ContentLength
		offset = 0
	}
	return &Object{Body: out.Body, Offset: offset, Size: size}, nil
}

func classifyS3(err error) error {
	var nsk *types.NoSuchKey
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nsb) {
		return Permanent(err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NotFound":
			return Permanent(err)
		}
	}
	return err
}
