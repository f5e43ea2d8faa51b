package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Client wraps the S3-compatible bucket that overlay exports are published to
type S3Client struct {
	client        *s3.Client
	bucket        string
	bucketPath    string
	publicBaseURL string
	uploader      *manager.Uploader
}

// NewS3Client creates a new S3 client for an S3-compatible endpoint
func NewS3Client(cfg S3Config) (*S3Client, error) {
	logger := slog.With("endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	logger.Info("initializing S3 client")

	customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if service == s3.ServiceID {
			return aws.Endpoint{
				URL:           cfg.Endpoint,
				SigningRegion: cfg.Region,
			}, nil
		}
		return aws.Endpoint{}, &smithy.GenericAPIError{Code: "UnknownEndpoint"}
	})

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: 2 * time.Minute,
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithHTTPClient(httpClient),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		config.WithRegion(cfg.Region),
		config.WithEndpointResolverWithOptions(customResolver),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	logger.Info("S3 client initialized successfully")

	return &S3Client{
		client:        s3Client,
		bucket:        cfg.Bucket,
		bucketPath:    strings.Trim(cfg.BucketPath, "/"),
		publicBaseURL: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
		uploader:      manager.NewUploader(s3Client),
	}, nil
}

// Key joins name onto the configured bucket path
func (s *S3Client) Key(name string) string {
	if s.bucketPath == "" {
		return name
	}
	return path.Join(s.bucketPath, name)
}

// UploadBytes uploads data under s3Key with a public-read ACL
func (s *S3Client) UploadBytes(ctx context.Context, s3Key string, data []byte, contentType string) (int64, error) {
	logger := slog.With("s3_key", s3Key, "size_bytes", len(data))
	logger.Debug("uploading object")

	result, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(s3Key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=60"),
		ACL:          types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		logger.Error("upload failed", "error", err)
		return 0, fmt.Errorf("failed to upload %s: %w", s3Key, err)
	}

	logger.Debug("object uploaded", "location", result.Location)
	return int64(len(data)), nil
}

// DeleteObject deletes an object from S3
func (s *S3Client) DeleteObject(ctx context.Context, s3Key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s3Key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", s3Key, err)
	}
	return nil
}

// ListObjects lists object keys under prefix
func (s *S3Client) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var objects []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, *obj.Key)
		}
	}

	return objects, nil
}

// HeadObject checks if an object exists in S3 and returns its size.
// Returns (size, exists, error). If the object doesn't exist, exists is false and error is nil.
func (s *S3Client) HeadObject(ctx context.Context, s3Key string) (int64, bool, error) {
	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s3Key),
	})
	if err != nil {
		var notFound *types.NotFound
		if ok := errors.As(err, &notFound); ok {
			return 0, false, nil
		}
		var apiErr smithy.APIError
		if ok := errors.As(err, &apiErr); ok && apiErr.ErrorCode() == "NotFound" {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to head object %s: %w", s3Key, err)
	}

	var size int64
	if result.ContentLength != nil {
		size = *result.ContentLength
	}
	return size, true, nil
}

// GetPublicURL returns the public URL for an object
func (s *S3Client) GetPublicURL(s3Key string) string {
	if s.publicBaseURL == "" {
		return fmt.Sprintf("s3://%s/%s", s.bucket, s3Key)
	}
	return s.publicBaseURL + "/" + s3Key
}

// snapshotsToPrune returns the snapshot keys beyond the newest keep.
// Snapshot names sort chronologically.
func snapshotsToPrune(keys []string, keep int) []string {
	var snapshots []string
	for _, k := range keys {
		if strings.HasPrefix(path.Base(k), overlaySnapshotPrefix) {
			snapshots = append(snapshots, k)
		}
	}
	if keep < 0 || len(snapshots) <= keep {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(snapshots)))
	return snapshots[keep:]
}
