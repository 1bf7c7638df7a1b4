package cfg

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/georgemihalcea/ldapcheck/internal/xerrors"
)

type fakeS3 struct {
	body   string
	err    error
	bucket string
	key    string
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.bucket = aws.ToString(in.Bucket)
	f.key = aws.ToString(in.Key)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

func TestLoader_S3(t *testing.T) {
	fake := &fakeS3{body: minimalYAML}
	l := &Loader{S3: fake}

	c, err := l.Load(context.Background(), "s3://ops-config/ldapcheck/config.yml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fake.bucket != "ops-config" || fake.key != "ldapcheck/config.yml" {
		t.Fatalf("GetObject bucket=%q key=%q", fake.bucket, fake.key)
	}
	if c.PlainPort != 8389 || c.Host != DefaultHost {
		t.Fatalf("config = %+v", c)
	}
}

func TestLoader_S3Errors(t *testing.T) {
	tests := []struct {
		name string
		path string
		s3   *fakeS3
		want string
	}{
		{"missing key", "s3://bucket-only", &fakeS3{}, "must be s3://bucket/key"},
		{"get fails", "s3://b/k.yml", &fakeS3{err: errors.New("AccessDenied")}, "AccessDenied"},
		{"too large", "s3://b/k.yml", &fakeS3{body: strings.Repeat("#", maxConfigBytes+1)}, "exceeds"},
		{"malformed", "s3://b/k.yml", &fakeS3{body: "PORT: [1"}, "invalid config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&Loader{S3: tt.s3}).Load(context.Background(), tt.path)
			wantErrContains(t, err, tt.want)
			if xerrors.KindOf(err) != xerrors.KindConfig {
				t.Fatalf("kind = %q, want config", xerrors.KindOf(err))
			}
		})
	}
}
