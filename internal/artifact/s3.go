package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures an S3Archive.
type S3Config struct {
	// Endpoint is a host:port or URL. An https URL implies UseSSL.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Prefix          string
	Region          string
	UseSSL          bool
}

// S3Archive copies artifacts to a MinIO or S3 bucket.
type S3Archive struct {
	client *minio.Client
	cfg    S3Config
}

// NewS3Archive creates the minio client. No request is sent until EnsureBucket or Put.
func NewS3Archive(cfg S3Config) (*S3Archive, error) {
	if cfg.Endpoint == "" {
		return nil, wrapError(CodeEndpointUnreachable, true, errors.New("endpoint is required"))
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, wrapError(CodeAuthInvalid, false, errors.New("credentials are required"))
	}
	if cfg.Bucket == "" {
		return nil, wrapError(CodeBucketNotFound, false, errors.New("bucket is required"))
	}

	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, wrapError(CodeEndpointUnreachable, true, fmt.Errorf("invalid endpoint URL: %w", err))
		}
		endpoint = u.Host
		if u.Scheme == "https" {
			useSSL = true
		}
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, wrapError(CodeEndpointUnreachable, true, fmt.Errorf("create minio client: %w", err))
	}
	return &S3Archive{client: client, cfg: cfg}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (a *S3Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return classifyMinioError(err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.cfg.Bucket, minio.MakeBucketOptions{Region: a.cfg.Region}); err != nil {
		return classifyMinioError(err)
	}
	return nil
}

// Put implements Archive.
func (a *S3Archive) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return wrapError(CodeArchiveWriteFailed, false, errors.New("object key is required"))
	}
	_, err := a.client.PutObject(ctx, a.cfg.Bucket, objectKey(a.cfg.Prefix, key),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/vnd.ant.fit",
		})
	if err != nil {
		return classifyMinioError(err)
	}
	return nil
}

// URI implements Archive.
func (a *S3Archive) URI(key string) string {
	return "s3://" + a.cfg.Bucket + "/" + objectKey(a.cfg.Prefix, key)
}

// Get reads an archived object back.
func (a *S3Archive) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.cfg.Bucket, objectKey(a.cfg.Prefix, key), minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinioError(err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		return nil, classifyMinioError(err)
	}
	return buf.Bytes(), nil
}

// classifyMinioError converts minio-go errors to ArchiveError.
func classifyMinioError(err error) *ArchiveError {
	if err == nil {
		return nil
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchBucket":
		return wrapError(CodeBucketNotFound, false, err)
	case "AccessDenied":
		return wrapError(CodePermissionDenied, false, err)
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return wrapError(CodeAuthInvalid, false, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return wrapError(CodeTimeout, true, err)
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"), strings.Contains(msg, "unreachable"):
		return wrapError(CodeEndpointUnreachable, true, err)
	}
	return wrapError(CodeArchiveWriteFailed, true, err)
}
