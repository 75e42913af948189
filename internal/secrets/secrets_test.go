package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// stubs

type stubSSM struct {
	value *string
	err   error
	input *ssm.GetParameterInput
}

func (s *stubSSM) GetParameter(ctx context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	s.input = in
	if s.err != nil {
		return nil, s.err
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: s.value}}, nil
}

type stubKMS struct {
	plaintext []byte
	err       error
	blob      []byte
}

func (s *stubKMS) Decrypt(ctx context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	s.blob = in.CiphertextBlob
	if s.err != nil {
		return nil, s.err
	}
	return &kms.DecryptOutput{Plaintext: s.plaintext, KeyId: aws.String("arn:aws:kms:us-east-2:111122223333:key/test")}, nil
}

type stubS3 struct {
	body   string
	err    error
	bucket string
	key    string
}

func (s *stubS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	s.bucket, s.key = aws.ToString(in.Bucket), aws.ToString(in.Key)
	if s.err != nil {
		return nil, s.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(s.body))}, nil
}

func TestResolve_Literal(t *testing.T) {
	r := newResolver(nil, nil, nil, nil)
	got, err := r.Resolve(context.Background(), "plain-password")
	if err != nil || got != "plain-password" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestResolve_SSM(t *testing.T) {
	s := &stubSSM{value: aws.String("  s3cret\n")}
	r := newResolver(s, nil, nil, nil)

	got, err := r.Resolve(context.Background(), "ssm:/apiserver/prod/db-password")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "s3cret" {
		t.Fatalf("got %q, want trimmed value", got)
	}
	if aws.ToString(s.input.Name) != "/apiserver/prod/db-password" {
		t.Fatalf("name = %q", aws.ToString(s.input.Name))
	}
	if !aws.ToBool(s.input.WithDecryption) {
		t.Fatal("expected WithDecryption")
	}
}

func TestResolve_SSMErrors(t *testing.T) {
	cases := map[string]*stubSSM{
		"api error": {err: errors.New("AccessDenied")},
		"nil value": {},
		"empty":     {value: aws.String("  ")},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := newResolver(s, nil, nil, nil).Resolve(context.Background(), "ssm:/p"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := newResolver(&stubSSM{}, nil, nil, nil).Resolve(context.Background(), "ssm:"); err == nil {
		t.Fatal("empty name should fail")
	}
}

func TestResolve_KMS(t *testing.T) {
	k := &stubKMS{plaintext: []byte("decrypted")}
	r := newResolver(nil, k, nil, nil)

	blob := []byte{0x01, 0x02, 0x03}
	got, err := r.Resolve(context.Background(), "kms:"+base64.StdEncoding.EncodeToString(blob))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "decrypted" {
		t.Fatalf("got %q", got)
	}
	if string(k.blob) != string(blob) {
		t.Fatalf("ciphertext = %v, want %v", k.blob, blob)
	}
}

func TestResolve_KMSErrors(t *testing.T) {
	r := newResolver(nil, &stubKMS{err: errors.New("InvalidCiphertext")}, nil, nil)
	if _, err := r.Resolve(context.Background(), "kms:AQID"); err == nil {
		t.Fatal("expected decrypt error")
	}
	if _, err := r.Resolve(context.Background(), "kms:!!notbase64"); err == nil {
		t.Fatal("expected base64 error")
	}
	if _, err := r.Resolve(context.Background(), "kms:"); err == nil {
		t.Fatal("expected empty ciphertext error")
	}
}

func TestFetchObject(t *testing.T) {
	o := &stubS3{body: "DATABASE=mongodb://localhost/db\n"}
	r := newResolver(nil, nil, o, nil)

	b, err := r.FetchObject(context.Background(), "s3://config-bucket/apiserver/config.env")
	if err != nil {
		t.Fatalf("FetchObject: %v", err)
	}
	if string(b) != o.body {
		t.Fatalf("body = %q", b)
	}
	if o.bucket != "config-bucket" || o.key != "apiserver/config.env" {
		t.Fatalf("bucket/key = %q/%q", o.bucket, o.key)
	}
}

func TestFetchObject_TooLarge(t *testing.T) {
	o := &stubS3{body: strings.Repeat("x", MaxObjectSize+1)}
	if _, err := newResolver(nil, nil, o, nil).FetchObject(context.Background(), "s3://b/k"); err == nil {
		t.Fatal("expected size error")
	}
}

func TestResolve_S3Trims(t *testing.T) {
	o := &stubS3{body: "pw\n"}
	got, err := newResolver(nil, nil, o, nil).Resolve(context.Background(), "s3://b/secret")
	if err != nil || got != "pw" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestParseS3URI(t *testing.T) {
	for _, bad := range []string{"http://b/k", "s3://", "s3://bucket", "s3://bucket/", "s3:///key", "s3://b/../k", "s3://b/a/./k"} {
		if _, _, err := ParseS3URI(bad); err == nil {
			t.Errorf("ParseS3URI(%q) should fail", bad)
		}
	}
	b, k, err := ParseS3URI("s3://b/a/b/c.env")
	if err != nil || b != "b" || k != "a/b/c.env" {
		t.Fatalf("got %q %q %v", b, k, err)
	}
	if _, k, err := ParseS3URI("s3://b/.hidden/...env"); err != nil || k != ".hidden/...env" {
		t.Fatalf("dotfiles are not dot segments: %q %v", k, err)
	}
}

func TestIsReference(t *testing.T) {
	for v, want := range map[string]bool{
		"ssm:/x": true, "kms:AQID": true, "s3://b/k": true, "hunter2": false, "": false,
	} {
		if got := IsReference(v); got != want {
			t.Errorf("IsReference(%q) = %v, want %v", v, got, want)
		}
	}
}
