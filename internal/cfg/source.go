package cfg

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/georgemihalcea/ldapcheck/internal/xerrors"
)

// maxConfigBytes caps reads from S3.
const maxConfigBytes = 1 << 20

// ObjectGetter is the subset of the S3 API needed to fetch a config object.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Loader reads the config file from a local path or an s3://bucket/key URL.
type Loader struct {
	// S3 is created from the default AWS config on first s3:// load when nil
	S3 ObjectGetter
}

// Load is Loader{}.Load.
func Load(ctx context.Context, path string) (Config, error) {
	return (&Loader{}).Load(ctx, path)
}

// Load reads, parses and defaults the config. Every failure is marked as a
// config error.
func (l *Loader) Load(ctx context.Context, path string) (Config, error) {
	data, err := l.read(ctx, path)
	if err != nil {
		return Config{}, xerrors.Mark(err, xerrors.KindConfig)
	}
	return Parse(data)
}

func (l *Loader) read(ctx context.Context, path string) ([]byte, error) {
	if !strings.HasPrefix(path, "s3://") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Wrapf(err, "read config %s", path)
		}
		return data, nil
	}

	u, err := url.Parse(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse config url %s", path)
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, xerrors.Newf("config url %s must be s3://bucket/key", path)
	}

	if l.S3 == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
		l.S3 = s3.NewFromConfig(awsCfg)
	}

	out, err := l.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxConfigBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read s3://%s/%s", bucket, key)
	}
	if len(data) > maxConfigBytes {
		return nil, xerrors.Newf("config object s3://%s/%s exceeds %d bytes", bucket, key, maxConfigBytes)
	}
	return data, nil
}
