package rules

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/xerrors"
)

// SSMGetter is the part of the SSM API the loader uses.
type SSMGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// S3Getter is the part of the S3 API the loader uses.
type S3Getter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Verifier checks a detached signature over a rules file.
// cryptoutil.KMSVerifier satisfies it.
type Verifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

// ErrUnsigned is returned when a Verifier is set but no signature object exists.
var ErrUnsigned = errors.New("rules: signature missing")

type LoaderOptions struct {
	Logger log.Logger

	// SSM parameter holding the sha256 of the current rules file
	SSMParam string

	// rules files live at s3://{S3Bucket}/{S3Prefix}/{sha256}.yaml
	S3Bucket string
	S3Prefix string

	// MaxBytes caps the object size; 0 means DefaultMaxBytes.
	MaxBytes int64

	// Verifier, when set, requires {sha256}.yaml.sig next to the rules file.
	Verifier Verifier

	// Clients default to ones built from AWSConfig, or the default chain.
	AWSConfig *aws.Config
	SSMClient SSMGetter
	S3Client  S3Getter
}

// Loader fetches rules files from S3, addressed by the hash held in SSM.
type Loader struct {
	opts   LoaderOptions
	ssm    SSMGetter
	s3     S3Getter
	logger log.Logger
}

func NewLoader(ctx context.Context, opts LoaderOptions) (*Loader, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	opts.S3Prefix = strings.Trim(opts.S3Prefix, "/")

	l := &Loader{opts: opts, ssm: opts.SSMClient, s3: opts.S3Client, logger: opts.Logger}
	if l.ssm == nil || l.s3 == nil {
		var awsCfg aws.Config
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			var err error
			if awsCfg, err = config.LoadDefaultConfig(ctx); err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		if l.ssm == nil {
			l.ssm = ssm.NewFromConfig(awsCfg)
		}
		if l.s3 == nil {
			l.s3 = s3.NewFromConfig(awsCfg)
		}
	}
	return l, nil
}

// FetchCurrentHash reads the current rules hash from SSM.
func (l *Loader) FetchCurrentHash(ctx context.Context) (string, error) {
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
	if err := checkHash(hash); err != nil {
		return "", xerrors.Wrapf(err, "SSM parameter %s", l.opts.SSMParam)
	}
	return hash, nil
}

// checkHash also keeps the value safe to splice into an object key.
func checkHash(h string) error {
	if len(h) != 64 {
		return fmt.Errorf("sha256 must be 64 hex characters, got %d", len(h))
	}
	if _, err := hex.DecodeString(h); err != nil {
		return fmt.Errorf("sha256 is not hex: %w", err)
	}
	return nil
}

func (l *Loader) key(hash string) string {
	if l.opts.S3Prefix != "" {
		return l.opts.S3Prefix + "/" + hash + ".yaml"
	}
	return hash + ".yaml"
}

func (l *Loader) get(ctx context.Context, key string) ([]byte, error) {
	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, l.opts.MaxBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read s3://%s/%s", l.opts.S3Bucket, key)
	}
	if int64(len(data)) > l.opts.MaxBytes {
		return nil, xerrors.Newf("s3://%s/%s exceeds %d bytes", l.opts.S3Bucket, key, l.opts.MaxBytes)
	}
	return data, nil
}

// LoadHash fetches, verifies and builds the rules file with the given hash.
func (l *Loader) LoadHash(ctx context.Context, hash string) (*RuleSet, error) {
	if err := checkHash(hash); err != nil {
		return nil, xerrors.Wrap(err, "load rules")
	}
	key := l.key(hash)
	l.logger.Info(ctx, "fetching rules", "bucket", l.opts.S3Bucket, "key", key)

	data, err := l.get(ctx, key)
	if err != nil {
		return nil, err
	}
	actual := cryptoutil.SHA256Hex(data)
	if !cryptoutil.HashEqual(actual, hash) {
		return nil, xerrors.Newf("checksum mismatch: expected %s, got %s", hash, actual)
	}

	meta := Meta{SHA256: hash, Source: SourceS3, Path: "s3://" + l.opts.S3Bucket + "/" + key}
	if l.opts.Verifier != nil {
		sig, err := l.get(ctx, key+".sig")
		if err != nil {
			return nil, errors.Join(ErrUnsigned, err)
		}
		if err := l.opts.Verifier.VerifySignature(ctx, data, sig); err != nil {
			return nil, xerrors.Wrapf(err, "verify signature for %s", truncHash(hash))
		}
		meta.Signed = true
		meta.VerifiedAt = time.Now().UTC()
	}

	rs, _, err := Build(data, meta)
	if err != nil {
		return nil, err
	}
	l.logger.Info(ctx, "loaded rules",
		"hash", truncHash(hash),
		"version", rs.Meta.Version,
		"rules", len(rs.Rules),
		"problems", len(rs.Problems),
		"signed", rs.Meta.Signed,
	)
	return rs, nil
}

// Load fetches whatever SSM currently points at.
func (l *Loader) Load(ctx context.Context) (*RuleSet, error) {
	hash, err := l.FetchCurrentHash(ctx)
	if err != nil {
		return nil, err
	}
	return l.LoadHash(ctx, hash)
}

func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
