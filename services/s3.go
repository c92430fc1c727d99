package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"transcribe/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Service turns stored audio references into URLs the inference workers
// can download without credentials.
type S3Service struct {
	client     *s3.S3
	bucket     string
	presignTTL time.Duration
}

func NewS3Service(cfg *config.Config) (*S3Service, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
	}

	if cfg.AWSS3AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(
			cfg.AWSS3AccessKey,
			cfg.AWSS3SecretKey,
			"",
		)
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}

	return &S3Service{
		client:     s3.New(sess),
		bucket:     cfg.S3Bucket,
		presignTTL: cfg.PresignTTL,
	}, nil
}

// ResolveInput returns a fetchable URL for ref. http(s) URLs pass through,
// "s3://bucket/key" and bare keys in the default bucket are presigned.
func (s *S3Service) ResolveInput(ctx context.Context, ref string) (string, error) {
	if isHTTPURL(ref) {
		return ref, nil
	}
	bucket, key, err := s.parseRef(ref)
	if err != nil {
		return "", err
	}

	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	req.SetContext(ctx)

	url, err := req.Presign(s.presignTTL)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", ref, err)
	}
	return url, nil
}

func (s *S3Service) parseRef(ref string) (string, string, error) {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(ref, "s3://"); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found || bucket == "" || key == "" {
			return "", "", fmt.Errorf("invalid s3 reference %q", ref)
		}
		return bucket, key, nil
	}
	key := strings.TrimPrefix(ref, "/")
	if key == "" {
		return "", "", fmt.Errorf("empty input reference")
	}
	return s.bucket, key, nil
}

// PassthroughResolver hands references to the inference service unchanged.
// Used when inputs are already public URLs, e.g. with the memory store.
type PassthroughResolver struct{}

func (PassthroughResolver) ResolveInput(_ context.Context, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", fmt.Errorf("empty input reference")
	}
	return ref, nil
}

func isHTTPURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}
