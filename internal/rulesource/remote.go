package rulesource

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/headerd/internal/cryptoutil"
	"github.com/keithlinneman/headerd/internal/log"
	"github.com/keithlinneman/headerd/internal/xerrors"
)

// DefaultMaxDocumentBytes bounds a downloaded rules document.
const DefaultMaxDocumentBytes = 1 << 20

// SSMAPI is the subset of the SSM client the loader uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// S3API is the subset of the S3 client the loader uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SignatureVerifier checks a detached signature; *cryptoutil.KMSVerifier
// implements it.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

type RemoteOptions struct {
	Logger log.Logger

	// SSM parameter holding the hex SHA-256 of the active document
	SSMParam string

	// documents live at s3://{bucket}/{prefix}/{hash}.json
	S3Bucket string
	S3Prefix string

	// Verifier, when set, requires {key}.sig next to every document.
	Verifier SignatureVerifier

	// MaxDocumentBytes <= 0 uses DefaultMaxDocumentBytes.
	MaxDocumentBytes int64

	// Clients are built from AWSConfig, or the default chain, when nil.
	AWSConfig *aws.Config
	SSM       SSMAPI
	S3        S3API
}

// RemoteLoader fetches content-addressed rule documents from S3.
type RemoteLoader struct {
	opts   RemoteOptions
	ssm    SSMAPI
	s3     S3API
	logger log.Logger
}

func NewRemoteLoader(ctx context.Context, opts RemoteOptions) (*RemoteLoader, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxDocumentBytes <= 0 {
		opts.MaxDocumentBytes = DefaultMaxDocumentBytes
	}
	opts.S3Prefix = strings.Trim(opts.S3Prefix, "/")

	l := &RemoteLoader{opts: opts, ssm: opts.SSM, s3: opts.S3, logger: opts.Logger}
	if l.ssm != nil && l.s3 != nil {
		return l, nil
	}

	var awsCfg aws.Config
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		var err error
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}
	if l.ssm == nil {
		l.ssm = ssm.NewFromConfig(awsCfg)
	}
	if l.s3 == nil {
		l.s3 = s3.NewFromConfig(awsCfg)
	}
	return l, nil
}

// FetchCurrentHash reads the active document hash from SSM.
func (l *RemoteLoader) FetchCurrentHash(ctx context.Context) (string, error) {
	out, err := l.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)
	}

	hash := strings.ToLower(strings.TrimSpace(*out.Parameter.Value))
	if !cryptoutil.IsSHA256Hex(hash) {
		return "", xerrors.Newf("SSM parameter %s does not hold a sha256 hex digest", l.opts.SSMParam)
	}
	return hash, nil
}

func (l *RemoteLoader) key(hash string) string {
	if l.opts.S3Prefix != "" {
		return l.opts.S3Prefix + "/" + hash + ".json"
	}
	return hash + ".json"
}

// Load fetches whatever document SSM currently points at.
func (l *RemoteLoader) Load(ctx context.Context) (*Set, error) {
	hash, err := l.FetchCurrentHash(ctx)
	if err != nil {
		return nil, err
	}
	return l.LoadHash(ctx, hash)
}

// LoadHash downloads the document for hash, checks its digest and, with a
// verifier configured, its signature, then parses it.
func (l *RemoteLoader) LoadHash(ctx context.Context, hash string) (*Set, error) {
	key := l.key(hash)
	l.logger.Info(ctx, "downloading rules document",
		"bucket", l.opts.S3Bucket,
		"key", key,
	)

	data, err := l.get(ctx, key)
	if err != nil {
		return nil, err
	}

	if actual := cryptoutil.SHA256Hex(data); !cryptoutil.HashEqual(actual, hash) {
		return nil, xerrors.Newf("checksum mismatch for %s: expected %s, got %s", key, hash, actual)
	}

	if l.opts.Verifier != nil {
		sig, err := l.get(ctx, key+".sig")
		if err != nil {
			return nil, xerrors.Wrap(err, "fetch rules signature")
		}
		if err := l.opts.Verifier.VerifySignature(ctx, data, cryptoutil.DecodeSignature(sig)); err != nil {
			return nil, xerrors.Wrapf(err, "verify rules document %s", key)
		}
		l.logger.Info(ctx, "rules document signature verified", "key", key)
	}

	set, err := Parse(ctx, data, FormatJSON, l.logger)
	if err != nil {
		return nil, xerrors.Wrapf(err, "rules document %s", key)
	}
	set.Source = SourceS3
	return set, nil
}

func (l *RemoteLoader) get(ctx context.Context, key string) ([]byte, error) {
	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, l.opts.MaxDocumentBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	if int64(len(data)) > l.opts.MaxDocumentBytes {
		return nil, xerrors.Newf("S3 object s3://%s/%s exceeds %d bytes", l.opts.S3Bucket, key, l.opts.MaxDocumentBytes)
	}
	return data, nil
}
