// Package secrets resolves configuration values that may live outside the
// environment: SSM parameters, KMS-encrypted blobs and S3 objects.
package secrets

import (
	"context"
	"encoding/base64"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/apiserver/internal/log"
	"github.com/keithlinneman/apiserver/internal/xerrors"
)

// Reference prefixes understood by Resolve.
const (
	PrefixSSM = "ssm:"
	PrefixKMS = "kms:"
	PrefixS3  = "s3://"
)

// MaxObjectSize caps S3 objects read by FetchObject.
const MaxObjectSize = 1 << 20

// Extracted as interfaces so tests run without live AWS credentials.
type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type kmsAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Resolver turns a configured value into the secret it names.
type Resolver struct {
	ssm    ssmAPI
	kms    kmsAPI
	s3     s3API
	logger log.Logger
}

// IsReference reports whether v needs AWS to resolve.
func IsReference(v string) bool {
	return strings.HasPrefix(v, PrefixSSM) || strings.HasPrefix(v, PrefixKMS) || strings.HasPrefix(v, PrefixS3)
}

// NewResolver builds a Resolver from the default AWS config chain.
func NewResolver(ctx context.Context, L log.Logger) (*Resolver, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "load AWS config")
	}
	return newResolver(ssm.NewFromConfig(awsCfg), kms.NewFromConfig(awsCfg), s3.NewFromConfig(awsCfg), L), nil
}

func newResolver(s ssmAPI, k kmsAPI, o s3API, L log.Logger) *Resolver {
	if L == nil {
		L = log.Nop()
	}
	return &Resolver{ssm: s, kms: k, s3: o, logger: L}
}

// Resolve returns v unchanged unless it is a reference:
//
//	ssm:/path/to/param   SecureString parameter, decrypted
//	kms:BASE64           KMS ciphertext blob
//	s3://bucket/key      object body, trimmed
func (r *Resolver) Resolve(ctx context.Context, v string) (string, error) {
	switch {
	case strings.HasPrefix(v, PrefixSSM):
		return r.parameter(ctx, strings.TrimPrefix(v, PrefixSSM))
	case strings.HasPrefix(v, PrefixKMS):
		return r.decrypt(ctx, strings.TrimPrefix(v, PrefixKMS))
	case strings.HasPrefix(v, PrefixS3):
		b, err := r.FetchObject(ctx, v)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	default:
		return v, nil
	}
}

func (r *Resolver) parameter(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", xerrors.New("empty SSM parameter name")
	}
	out, err := r.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	val := strings.TrimSpace(*out.Parameter.Value)
	if val == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	r.logger.Debug(ctx, "resolved secret from SSM", "parameter", name)
	return val, nil
}

func (r *Resolver) decrypt(ctx context.Context, b64 string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return "", xerrors.Wrap(err, "decode KMS ciphertext")
	}
	if len(blob) == 0 {
		return "", xerrors.New("empty KMS ciphertext")
	}
	out, err := r.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return "", xerrors.Wrap(err, "KMS decrypt")
	}
	r.logger.Debug(ctx, "resolved secret from KMS", "key_id", aws.ToString(out.KeyId))
	return string(out.Plaintext), nil
}

// FetchObject reads s3://bucket/key, up to MaxObjectSize bytes.
func (r *Resolver) FetchObject(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}
	out, err := r.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(io.LimitReader(out.Body, MaxObjectSize+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", bucket, key)
	}
	if len(b) > MaxObjectSize {
		return nil, xerrors.Newf("S3 object s3://%s/%s exceeds %d bytes", bucket, key, MaxObjectSize)
	}
	r.logger.Info(ctx, "fetched S3 object", "bucket", bucket, "key", key, "bytes", len(b))
	return b, nil
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, PrefixS3)
	if !ok {
		return "", "", xerrors.Newf("not an s3 uri: %q", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", xerrors.Newf("s3 uri needs bucket and key: %q", uri)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." {
			return "", "", xerrors.Newf("s3 key has dot segments: %q", uri)
		}
	}
	return bucket, key, nil
}
