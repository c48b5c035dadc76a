package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/opencontainers/go-digest"

	"github.com/osbuild/mdb/errdefs"
)

// metadataDigest is the object metadata key carrying the blob digest.
// S3 lowercases metadata keys, so it is lowercase from the start.
const metadataDigest = "blob-digest"

type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Client publishes blobs as objects in an S3 bucket. S3 itself does
// not enforce immutability, so the client carries the blob digest as
// object metadata and checks it before overwriting. MinIO and other
// compatible stores work through the endpoint query parameter.
type S3Client struct {
	api       s3API
	bucket    string
	prefix    string
	tombstone digest.Digest
}

// newS3Client builds a client for s3://bucket[/prefix] URLs. The query
// parameters region and endpoint override the environment configuration;
// a custom endpoint switches to path-style addressing.
func newS3Client(ctx context.Context, u *url.URL, opts Options) (*S3Client, error) {
	if u.Host == "" {
		return nil, errdefs.InvalidParameter(fmt.Errorf("remote URL %q needs a bucket", u))
	}
	q := u.Query()

	var loadOpts []func(*awsconfig.LoadOptions) error
	if region := q.Get("region"); region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	api := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint := q.Get("endpoint"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Client{
		api:       api,
		bucket:    u.Host,
		prefix:    strings.Trim(u.Path, "/"),
		tombstone: opts.Tombstone,
	}, nil
}

func (c *S3Client) Tags(ctx context.Context) ([]string, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(c.bucket)}
	if c.prefix != "" {
		input.Prefix = aws.String(c.prefix + "/")
	}

	var tags []string
	p := s3.NewListObjectsV2Paginator(c.api, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errdefs.Unavailable(fmt.Errorf("listing remote cache: %w", err))
		}
		for _, obj := range page.Contents {
			tag := path.Base(aws.ToString(obj.Key))
			if ValidateTag(tag) == nil {
				tags = append(tags, tag)
			}
		}
	}
	sort.Strings(tags)
	return tags, nil
}

func (c *S3Client) Push(ctx context.Context, tag string, size int64, blob io.Reader) error {
	if err := ValidateTag(tag); err != nil {
		return err
	}
	dgst, f, cleanup, err := spool(blob, size)
	if err != nil {
		return err
	}
	defer cleanup()

	existing, err := c.publishedDigest(ctx, tag)
	if err != nil {
		return err
	}
	if skip, err := decidePush(existing, dgst, c.tombstone); skip || err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(c.key(tag)),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      map[string]string{metadataDigest: dgst.String()},
	})
	if err != nil {
		return errdefs.Unavailable(fmt.Errorf("uploading to remote cache: %w", err))
	}
	return nil
}

func (c *S3Client) Pull(ctx context.Context, tag string) (io.ReadCloser, error) {
	if err := ValidateTag(tag); err != nil {
		return nil, err
	}
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(tag)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, errdefs.NotFound(fmt.Errorf("no cache entry published for %s", tag))
		}
		return nil, errdefs.Unavailable(fmt.Errorf("fetching from remote cache: %w", err))
	}
	return out.Body, nil
}

// Stat reports whether useful content is published under the tag. A tag
// holding the tombstone blob counts as unpublished.
func (c *S3Client) Stat(ctx context.Context, tag string) (bool, error) {
	if err := ValidateTag(tag); err != nil {
		return false, err
	}
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(tag)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, errdefs.Unavailable(fmt.Errorf("checking remote cache: %w", err))
	}
	if c.tombstone != "" {
		if dgst, err := digest.Parse(out.Metadata[metadataDigest]); err == nil && dgst == c.tombstone {
			return false, nil
		}
	}
	return true, nil
}

// publishedDigest returns the digest recorded for a tag, or empty when
// the tag is unpublished or was uploaded without digest metadata.
func (c *S3Client) publishedDigest(ctx context.Context, tag string) (digest.Digest, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(tag)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", errdefs.Unavailable(fmt.Errorf("checking remote cache: %w", err))
	}
	dgst, err := digest.Parse(out.Metadata[metadataDigest])
	if err != nil {
		return "", nil
	}
	return dgst, nil
}

func (c *S3Client) key(tag string) string {
	if c.prefix == "" {
		return tag
	}
	return c.prefix + "/" + tag
}
