// Package s3 implements the cloudvfs driver for S3-compatible accounts:
// AWS S3, Cloudflare R2, Backblaze B2, Aliyun OSS and generic endpoints.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/gobeaver/cloudvfs"
)

// Client is the subset of the S3 API the driver calls.
type Client interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
}

// Presigner signs object requests.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

var (
	_ Client    = (*s3.Client)(nil)
	_ Presigner = (*s3.PresignClient)(nil)
)

// Driver serves one S3-compatible storage account.
type Driver struct {
	cfg     *cloudvfs.StorageConfig
	deps    cloudvfs.Deps
	conf    *cloudvfs.Config
	log     *zap.Logger
	profile clientProfile

	client  Client
	presign Presigner
	bucket  string
	root    string
	policy  cloudvfs.CollisionPolicy
}

// Option configures a Driver
type Option func(*Driver)

// WithClient makes the driver use client and presigner instead of building
// them from the account credentials on Initialize.
func WithClient(client Client, presigner Presigner) Option {
	return func(d *Driver) {
		d.client = client
		d.presign = presigner
	}
}

// New creates a driver for cfg. The S3 client is built by Initialize.
func New(cfg *cloudvfs.StorageConfig, deps cloudvfs.Deps, opts ...Option) (*Driver, error) {
	if cfg == nil {
		return nil, cloudvfs.Error.New("s3: nil storage config")
	}
	if deps.Config == nil {
		deps.Config = cloudvfs.DefaultConfig()
	} else {
		deps.Config.WithDefaults()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = cloudvfs.SystemClock{}
	}
	if deps.Decrypter == nil {
		deps.Decrypter = cloudvfs.AESDecrypter{}
	}
	d := &Driver{
		cfg:     cfg,
		deps:    deps,
		conf:    deps.Config,
		log:     deps.Logger.Named("s3").With(zap.String("account", cfg.ID)),
		profile: profileFor(cfg),
		bucket:  cfg.BucketName,
		root:    cloudvfs.NormalizePrefix(cfg.RootPrefix),
		policy:  deps.Config.Collision(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Type implements cloudvfs.Driver
func (d *Driver) Type() string { return cloudvfs.StorageTypeS3 }

// AccountID implements cloudvfs.Driver
func (d *Driver) AccountID() string { return d.cfg.ID }

// Capabilities implements cloudvfs.Driver
func (d *Driver) Capabilities() cloudvfs.Capability { return cloudvfs.CapAll }

// HasCapability implements cloudvfs.Driver
func (d *Driver) HasCapability(c cloudvfs.Capability) bool { return d.Capabilities().Has(c) }

// Initialize decrypts the account credentials and builds the S3 client with
// the provider's retry, timeout and checksum profile.
func (d *Driver) Initialize(ctx context.Context) error {
	if d.client != nil {
		return nil
	}

	accessKey, err := d.deps.Decrypter.Decrypt(d.cfg.AccessKeyID, d.deps.Secret)
	if err != nil {
		return cloudvfs.NewPathError("initialize", d.cfg.ID, cloudvfs.ErrInternal, "decrypt access key: %v", err)
	}
	secretKey, err := d.deps.Decrypter.Decrypt(d.cfg.SecretAccessKey, d.deps.Secret)
	if err != nil {
		return cloudvfs.NewPathError("initialize", d.cfg.ID, cloudvfs.ErrInternal, "decrypt secret key: %v", err)
	}

	p := d.profile
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(p.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		awsconfig.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(p.Timeout)),
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = p.MaxAttempts
				o.MaxBackoff = p.MaxBackoff
			})
		}),
	)
	if err != nil {
		return cloudvfs.NewPathError("initialize", d.cfg.ID, cloudvfs.ErrInternal, "load aws config: %v", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(d.cfg.EndpointURL)
		o.UsePathStyle = p.PathStyle
		o.RequestChecksumCalculation = p.RequestChecksum
		o.ResponseChecksumValidation = p.ResponseChecksum
	})
	d.client = client
	d.presign = s3.NewPresignClient(client)

	d.log.Debug("client initialized",
		zap.String("provider", string(d.cfg.Provider)),
		zap.String("region", p.Region),
		zap.Bool("path_style", p.PathStyle),
		zap.Int("max_attempts", p.MaxAttempts),
		zap.Duration("timeout", p.Timeout))
	return nil
}

// ============================================================================
// Keys and paths
// ============================================================================

// key maps a target onto its object key.
func (d *Driver) key(t cloudvfs.Target) string {
	return cloudvfs.ObjectKey(d.root, t.SubPath)
}

// subPath maps an object key back onto a mount-relative path.
func (d *Driver) subPath(key string) string {
	return cloudvfs.SubPathFromKey(d.root, key)
}

// copySource builds the URL-encoded CopySource of a key.
func (d *Driver) copySource(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return d.bucket + "/" + strings.Join(segments, "/")
}

func (d *Driver) now() time.Time { return d.deps.Clock.Now() }

// invalidate drops cached listings of the target's mount.
func (d *Driver) invalidate(t cloudvfs.Target) {
	d.deps.DirCache.Invalidate(t.MountID())
}

// unseekableOpts sends bodies that cannot be rewound with an unsigned payload.
func unseekableOpts(body io.Reader) []func(*s3.Options) {
	if _, ok := body.(io.Seeker); ok {
		return nil
	}
	return []func(*s3.Options){s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)}
}

// ============================================================================
// Errors
// ============================================================================

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// isNotFound reports whether a provider error means the key is absent.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &notFound) {
		return true
	}
	switch apiErrorCode(err) {
	case "NoSuchKey", "NotFound", "404":
		return true
	}
	return false
}

// isNoSuchUpload reports whether a provider error means the multipart
// session is gone.
func isNoSuchUpload(err error) bool {
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return true
	}
	return apiErrorCode(err) == "NoSuchUpload"
}

// mapError normalizes a provider error into the cloudvfs taxonomy.
func (d *Driver) mapError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var pe *cloudvfs.PathError
	if errors.As(err, &pe) {
		return err
	}

	code := apiErrorCode(err)
	var kind error
	switch {
	case isNotFound(err), isNoSuchUpload(err), code == "NoSuchBucket":
		kind = cloudvfs.ErrNotFound
	case code == "AccessDenied", code == "Forbidden", code == "InvalidAccessKeyId", code == "SignatureDoesNotMatch":
		kind = cloudvfs.ErrForbidden
	case code == "PreconditionFailed":
		kind = cloudvfs.ErrConflict
	case code == "InvalidArgument", code == "InvalidRequest", code == "EntityTooSmall",
		code == "EntityTooLarge", code == "InvalidPart", code == "InvalidPartOrder", code == "KeyTooLongError":
		kind = cloudvfs.ErrBadRequest
	default:
		kind = cloudvfs.ErrInternal
	}
	if code == "" {
		code = "unknown"
	}
	d.deps.Metrics.ProviderError(string(d.cfg.Provider), code)

	return &cloudvfs.PathError{
		Op:       op,
		Path:     p,
		Provider: string(d.cfg.Provider),
		Err:      fmt.Errorf("%w: %w", kind, err),
	}
}

var _ cloudvfs.Driver = (*Driver)(nil)
