package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/TheMichaelB/walletguard/internal/config"
	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/models"
)

// DefaultS3Prefix is used when no object prefix is configured.
const DefaultS3Prefix = "walletguard"

// S3API is the subset of the S3 client the remote uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Remote keeps one JSON object per payload in a bucket.
type S3Remote struct {
	client S3API
	bucket string
	prefix string
	logger *events.Logger
}

// NewS3Remote creates an S3 remote from the default AWS credential chain.
func NewS3Remote(ctx context.Context, cfg *config.RemoteConfig, logger *events.Logger) (*S3Remote, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket required", models.ErrInvalidConfig)
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewS3RemoteWithClient(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.S3Prefix, logger), nil
}

// NewS3RemoteWithClient wraps an existing client.
func NewS3RemoteWithClient(client S3API, bucket, prefix string, logger *events.Logger) *S3Remote {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultS3Prefix
	}

	return &S3Remote{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.WithField("component", "s3_remote"),
	}
}

func (r *S3Remote) objectKey(dataType models.DataType, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return "", fmt.Errorf("invalid payload id %q", id)
	}
	return path.Join(r.prefix, string(dataType), id+".json"), nil
}

// PutPayload writes the payload object.
func (r *S3Remote) PutPayload(ctx context.Context, payload *models.SyncPayload) error {
	if payload == nil {
		return fmt.Errorf("put payload: nil payload")
	}
	key, err := r.objectKey(payload.DataType, payload.ID)
	if err != nil {
		return fmt.Errorf("put payload: %w", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"device-id": payload.DeviceID,
			"version":   fmt.Sprintf("%d", payload.Version),
		},
	})
	if err != nil {
		return fmt.Errorf("s3 put payload: %w", err)
	}

	r.logger.WithFields(map[string]interface{}{
		"key":     key,
		"version": payload.Version,
	}).Debug("Stored payload in S3")
	return nil
}

// ListPayloads reads every payload object of dataType and filters by
// timestamp.
func (r *S3Remote) ListPayloads(ctx context.Context, dataType models.DataType, since time.Time) ([]*models.SyncPayload, error) {
	prefix := path.Join(r.prefix, string(dataType)) + "/"

	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(prefix),
	})

	var payloads []*models.SyncPayload
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list payloads: %w", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}

			payload, err := r.get(ctx, key)
			if errors.Is(err, errObjectGone) {
				continue
			}
			if err != nil {
				return nil, err
			}
			payloads = append(payloads, payload)
		}
	}

	return changedSince(payloads, since), nil
}

var errObjectGone = errors.New("object removed during listing")

func (r *S3Remote) get(ctx context.Context, key string) (*models.SyncPayload, error) {
	result, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) || strings.Contains(err.Error(), "NoSuchKey") {
			return nil, errObjectGone
		}
		return nil, fmt.Errorf("s3 get payload %s: %w", key, err)
	}
	defer result.Body.Close()

	var payload models.SyncPayload
	if err := json.NewDecoder(result.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode payload %s: %w", key, err)
	}
	return &payload, nil
}

// DeletePayload removes the payload object.
func (r *S3Remote) DeletePayload(ctx context.Context, dataType models.DataType, id string) error {
	key, err := r.objectKey(dataType, id)
	if err != nil {
		return fmt.Errorf("delete payload: %w", err)
	}

	_, err = r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete payload: %w", err)
	}
	return nil
}

// Subscribe is not available on S3.
func (r *S3Remote) Subscribe(ctx context.Context, dataTypes []models.DataType) (<-chan models.SyncPayload, error) {
	return nil, ErrSubscribeUnsupported
}

// Close is a no-op.
func (r *S3Remote) Close() error {
	return nil
}
