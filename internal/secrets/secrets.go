// Package secrets resolves the directory bind password.
//
// Precedence is PASS_SSM, then PASS_KMS, then the literal PASS value. AWS
// clients are only constructed when an AWS source is configured, so a plain
// config file never touches the AWS credential chain.
package secrets

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/georgemihalcea/ldapcheck/internal/xerrors"
)

// ParameterGetter is the subset of the SSM API used here.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Decrypter is the subset of the KMS API used here.
type Decrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Source names where the password comes from.
type Source struct {
	Literal  string
	SSMParam string
	// KMSBlob is base64 ciphertext from `aws kms encrypt`
	KMSBlob string
}

type Resolver struct {
	SSM ParameterGetter
	KMS Decrypter

	// loadAWS is swapped in tests
	loadAWS func(ctx context.Context) (aws.Config, error)
}

func NewResolver() *Resolver {
	return &Resolver{loadAWS: func(ctx context.Context) (aws.Config, error) {
		return awsconfig.LoadDefaultConfig(ctx)
	}}
}

// Resolve returns the password for src. Failures are config errors.
func (r *Resolver) Resolve(ctx context.Context, src Source) (string, error) {
	switch {
	case src.SSMParam != "":
		v, err := r.fromSSM(ctx, src.SSMParam)
		return v, xerrors.Mark(err, xerrors.KindConfig)
	case src.KMSBlob != "":
		v, err := r.fromKMS(ctx, src.KMSBlob)
		return v, xerrors.Mark(err, xerrors.KindConfig)
	default:
		return src.Literal, nil
	}
}

func (r *Resolver) fromSSM(ctx context.Context, name string) (string, error) {
	if r.SSM == nil {
		cfg, err := r.awsConfig(ctx)
		if err != nil {
			return "", err
		}
		r.SSM = ssm.NewFromConfig(cfg)
	}
	out, err := r.SSM.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	v := strings.TrimRight(*out.Parameter.Value, "\r\n")
	if v == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	return v, nil
}

func (r *Resolver) fromKMS(ctx context.Context, blob string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return "", xerrors.Wrap(err, "decode PASS_KMS base64")
	}
	if r.KMS == nil {
		cfg, err := r.awsConfig(ctx)
		if err != nil {
			return "", err
		}
		r.KMS = kms.NewFromConfig(cfg)
	}
	out, err := r.KMS.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: ct})
	if err != nil {
		return "", xerrors.Wrap(err, "kms decrypt PASS_KMS")
	}
	if len(out.Plaintext) == 0 {
		return "", xerrors.New("kms decrypt returned empty plaintext")
	}
	return string(out.Plaintext), nil
}

func (r *Resolver) awsConfig(ctx context.Context) (aws.Config, error) {
	if r.loadAWS == nil {
		return aws.Config{}, xerrors.New("no AWS client configured")
	}
	cfg, err := r.loadAWS(ctx)
	if err != nil {
		return aws.Config{}, xerrors.Wrap(err, "load AWS config")
	}
	return cfg, nil
}
