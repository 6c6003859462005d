package allowlist

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/xerrors"
)

// maxSignatureSize bounds the detached signature object.
const maxSignatureSize int64 = 16 << 10

// s3API is the subset of the S3 client used here; *s3.Client satisfies it.
type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SignatureVerifier checks a detached signature; cryptoutil.KMSVerifier implements it.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

// S3Source reads a YAML allow-list object. With a verifier set, the object
// must have a base64 signature at "<key>.sig" or the load fails.
type S3Source struct {
	client   s3API
	bucket   string
	key      string
	verifier SignatureVerifier
}

func NewS3Source(client s3API, bucket, key string, verifier SignatureVerifier) *S3Source {
	return &S3Source{client: client, bucket: bucket, key: key, verifier: verifier}
}

func (s *S3Source) Name() string { return "s3" }

// Version is the object ETag.
func (s *S3Source) Version(ctx context.Context) (string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "head s3://%s/%s", s.bucket, s.key)
	}
	return strings.Trim(aws.ToString(out.ETag), `"`), nil
}

func (s *S3Source) Load(ctx context.Context) (*Document, error) {
	data, etag, err := s.getBounded(ctx, s.key, maxDocumentSize)
	if err != nil {
		return nil, err
	}

	if s.verifier != nil {
		sigText, _, err := s.getBounded(ctx, s.key+".sig", maxSignatureSize)
		if err != nil {
			return nil, xerrors.Wrap(err, "allow-list signature required")
		}
		sig, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(sigText)))
		if err != nil {
			return nil, xerrors.Wrapf(err, "decode signature s3://%s/%s.sig", s.bucket, s.key)
		}
		if err := s.verifier.VerifySignature(ctx, data, sig); err != nil {
			return nil, xerrors.Wrapf(err, "verify s3://%s/%s", s.bucket, s.key)
		}
	}

	doc, err := ParseDocument(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "s3://%s/%s", s.bucket, s.key)
	}
	doc.Version = etag
	return doc, nil
}

func (s *S3Source) getBounded(ctx context.Context, key string, limit int64) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", xerrors.Wrapf(err, "get s3://%s/%s", s.bucket, key)
	}
	defer out.Body.Close()

	if out.ContentLength != nil && *out.ContentLength > limit {
		return nil, "", xerrors.Newf("s3://%s/%s is %d bytes, limit %d", s.bucket, key, *out.ContentLength, limit)
	}
	data, err := io.ReadAll(io.LimitReader(out.Body, limit+1))
	if err != nil {
		return nil, "", xerrors.Wrapf(err, "read s3://%s/%s", s.bucket, key)
	}
	if int64(len(data)) > limit {
		return nil, "", xerrors.Newf("s3://%s/%s exceeds %d bytes", s.bucket, key, limit)
	}
	return data, strings.Trim(aws.ToString(out.ETag), `"`), nil
}
