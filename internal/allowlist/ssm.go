package allowlist

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/xerrors"
)

// ssmAPI is the subset of the SSM client used here; *ssm.Client satisfies it.
type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMSource reads the allow-list from a Parameter Store parameter. The value
// may be a StringList, a newline separated list or a full YAML document.
type SSMSource struct {
	client ssmAPI
	name   string
}

func NewSSMSource(client ssmAPI, name string) *SSMSource {
	return &SSMSource{client: client, name: name}
}

func (s *SSMSource) Name() string { return "ssm" }

// Version is the parameter version number.
func (s *SSMSource) Version(ctx context.Context) (string, error) {
	_, version, err := s.get(ctx)
	return version, err
}

func (s *SSMSource) Load(ctx context.Context) (*Document, error) {
	value, version, err := s.get(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := ParseDocument([]byte(value))
	if err != nil {
		return nil, xerrors.Wrapf(err, "SSM parameter %s", s.name)
	}
	doc.Version = version
	return doc, nil
}

func (s *SSMSource) get(ctx context.Context) (value, version string, err error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", "", xerrors.Wrapf(err, "get SSM parameter %s", s.name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", "", xerrors.Newf("SSM parameter %s has no value", s.name)
	}
	return *out.Parameter.Value, strconv.FormatInt(out.Parameter.Version, 10), nil
}
