package main

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/allowlist"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/xerrors"
)

// newSource builds the single allow-list source cfg.Validate let through.
// AWS config is only loaded for the ssm and s3 sources.
func newSource(ctx context.Context, conf cfg.App) (allowlist.Source, error) {
	switch conf.AllowlistSource() {
	case "static":
		return allowlist.NewStaticSource(allowlist.SplitHosts(conf.AllowlistHosts), nil), nil
	case "file":
		return allowlist.NewFileSource(conf.AllowlistFile), nil
	case "ssm":
		awsCfg, err := loadAWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		return allowlist.NewSSMSource(ssm.NewFromConfig(awsCfg), conf.AllowlistSSMParam), nil
	case "s3":
		awsCfg, err := loadAWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		var verifier allowlist.SignatureVerifier
		if conf.AllowlistSigningKeyARN != "" {
			verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.AllowlistSigningKeyARN)
		}
		return allowlist.NewS3Source(s3.NewFromConfig(awsCfg), conf.AllowlistS3Bucket, conf.AllowlistS3Key, verifier), nil
	}
	return nil, xerrors.New("no allow-list source configured")
}

func loadAWSConfig(ctx context.Context) (aws.Config, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, xerrors.Wrap(err, "load aws config")
	}
	return awsCfg, nil
}
