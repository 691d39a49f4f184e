// Package objectstore reads attachment and image bytes from S3.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MaxObjectBytes bounds a single read. SES rejects raw messages above 40MB.
const MaxObjectBytes = 40 << 20

var ErrTooLarge = errors.New("object exceeds size limit")

// Ref addresses one object. An empty Bucket means the store's default bucket.
type Ref struct {
	Bucket string
	Key    string
}

func (r Ref) String() string {
	if r.Bucket == "" {
		return r.Key
	}
	return "s3://" + r.Bucket + "/" + r.Key
}

type Object struct {
	Body        []byte
	ContentType string
}

type Store interface {
	Get(ctx context.Context, ref Ref) (Object, error)
	Head(ctx context.Context, ref Ref) (int64, error)
}

type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type S3Store struct {
	Client        S3API
	DefaultBucket string
}

func NewS3(client S3API, bucket string) *S3Store {
	return &S3Store{Client: client, DefaultBucket: bucket}
}

func (s *S3Store) bucket(ref Ref) (string, error) {
	if ref.Bucket != "" {
		return ref.Bucket, nil
	}
	if s.DefaultBucket == "" {
		return "", fmt.Errorf("no bucket for key %q", ref.Key)
	}
	return s.DefaultBucket, nil
}

func (s *S3Store) Get(ctx context.Context, ref Ref) (Object, error) {
	bucket, err := s.bucket(ref)
	if err != nil {
		return Object{}, err
	}
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return Object{}, fmt.Errorf("get %s: %w", ref, err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(io.LimitReader(out.Body, MaxObjectBytes+1))
	if err != nil {
		return Object{}, fmt.Errorf("read %s: %w", ref, err)
	}
	if len(b) > MaxObjectBytes {
		return Object{}, fmt.Errorf("%s: %w", ref, ErrTooLarge)
	}
	return Object{Body: b, ContentType: aws.ToString(out.ContentType)}, nil
}

func (s *S3Store) Head(ctx context.Context, ref Ref) (int64, error) {
	bucket, err := s.bucket(ref)
	if err != nil {
		return 0, err
	}
	out, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return 0, fmt.Errorf("head %s: %w", ref, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// ParseURL recognizes object-store references written as image sources:
// s3://bucket/key, virtual-hosted https://bucket.s3[.region].amazonaws.com/key
// and path-style https://s3[.region].amazonaws.com/bucket/key.
func ParseURL(raw string) (Ref, bool) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "s3://") {
		rest := strings.TrimPrefix(raw, "s3://")
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return Ref{}, false
		}
		return Ref{Bucket: bucket, Key: unescape(key)}, true
	}

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Ref{}, false
	}
	host := strings.ToLower(u.Hostname())
	if !strings.HasSuffix(host, ".amazonaws.com") {
		return Ref{}, false
	}
	path := strings.TrimPrefix(u.Path, "/")

	if i := strings.Index(host, ".s3."); i > 0 {
		return Ref{Bucket: host[:i], Key: path}, path != ""
	}
	if i := strings.Index(host, ".s3-"); i > 0 {
		return Ref{Bucket: host[:i], Key: path}, path != ""
	}
	if strings.HasPrefix(host, "s3.") || strings.HasPrefix(host, "s3-") {
		bucket, key, ok := strings.Cut(path, "/")
		if !ok || bucket == "" || key == "" {
			return Ref{}, false
		}
		return Ref{Bucket: bucket, Key: key}, true
	}
	return Ref{}, false
}

func unescape(s string) string {
	if v, err := url.PathUnescape(s); err == nil {
		return v
	}
	return s
}
