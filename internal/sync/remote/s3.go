package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/sync/queue"
)

// Payload keys stamped on the metadata document of an uploaded file.
const (
	PayloadKeyObjectKey = "objectKey"
	PayloadKeySize      = "size"
	PayloadKeySHA256    = "sha256"
)

// S3API is the subset of the S3 client used for blob uploads.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Options configures NewS3Client.
type S3Options struct {
	Bucket         string
	Region         string // Default: us-east-1
	Endpoint       string // optional, for MinIO or R2
	ForcePathStyle bool   // required for MinIO
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to load AWS config", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		endpoint := normalizeEndpoint(opts.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if opts.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(cfg, s3Opts...), nil
}

// normalizeEndpoint adds a scheme to bare host:port endpoints.
// Local endpoints default to http, everything else to https.
func normalizeEndpoint(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if strings.HasPrefix(endpoint, "localhost") || strings.HasPrefix(endpoint, "127.0.0.1") {
		return "http://" + endpoint
	}
	return "https://" + endpoint
}

// BlobRef describes an uploaded file.
type BlobRef struct {
	ObjectKey string
	Size      int64
	SHA256    string
}

// BlobUploader stores the file referenced by an upload request.
type BlobUploader interface {
	Upload(ctx context.Context, req Request) (*BlobRef, error)
}

// S3Blobs uploads files content-addressed under
// {owner}/{collection}/{documentId}/{sha256}.
type S3Blobs struct {
	client S3API
	bucket string
}

// NewS3Blobs creates an uploader for bucket.
func NewS3Blobs(client S3API, bucket string) *S3Blobs {
	return &S3Blobs{client: client, bucket: bucket}
}

// ObjectKey returns the content-addressed key of a blob.
func ObjectKey(owner, collection, documentID, sum string) string {
	return fmt.Sprintf("%s/%s/%s/%s", owner, collection, documentID, sum)
}

// Upload implements BlobUploader. Objects already present are not re-sent.
func (b *S3Blobs) Upload(ctx context.Context, req Request) (*BlobRef, error) {
	path, _ := req.Payload[queue.PayloadKeyLocalPath].(string)
	if path == "" {
		return nil, errors.Newf(errors.ErrValidation, "payload.%s is required", queue.PayloadKeyLocalPath)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(errors.ErrSyncPermanent, "local file missing", err)
		}
		return nil, errors.Wrap(errors.ErrSyncTransient, "failed to open local file", err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSyncTransient, "failed to hash local file", err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	ref := &BlobRef{
		ObjectKey: ObjectKey(req.OwnerID, req.Collection, req.DocumentID, sum),
		Size:      size,
		SHA256:    sum,
	}

	if _, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(ref.ObjectKey),
	}); err == nil {
		logging.Debug("Blob already uploaded", map[string]interface{}{"object_key": ref.ObjectKey})
		return ref, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(errors.ErrSyncTransient, "failed to rewind local file", err)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(ref.ObjectKey),
		Body:          f,
		ContentLength: aws.Int64(size),
		Metadata: map[string]string{
			"operation-id": req.OperationID,
			"sha256":       sum,
		},
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrSyncTransient, "s3 upload failed", err)
	}

	logging.Info("Blob uploaded", map[string]interface{}{
		"object_key": ref.ObjectKey,
		"size":       size,
	})
	return ref, nil
}
