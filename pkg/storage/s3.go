package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FolderImports is the S3 prefix for uploaded contact CSVs.
const FolderImports = "imports"

// AllowedImportTypes are the content types accepted for CSV uploads. Browsers are inconsistent here.
var AllowedImportTypes = map[string]bool{
	"text/csv":                 true,
	"application/csv":          true,
	"application/vnd.ms-excel": true,
	"text/plain":               true,
	"application/octet-stream": true,
}

// S3Config holds S3 client configuration.
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ImportsBucket   string
}

// S3 stores import files.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      S3Config
	logger   *zap.Logger
}

// NewS3 creates an S3 client using credentials from config, falling back to the default chain.
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
		logger.Info("S3 client using static credentials", zap.String("region", cfg.Region), zap.String("imports_bucket", cfg.ImportsBucket))
	} else {
		logger.Warn("S3 client using default credential chain")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3{
		client:   client,
		uploader: manager.NewUploader(client),
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// ValidateImportFile reports whether an upload looks like a CSV.
func ValidateImportFile(contentType, filename string) bool {
	if strings.ToLower(path.Ext(filename)) != ".csv" {
		return false
	}
	if contentType == "" {
		return true
	}
	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	return AllowedImportTypes[strings.ToLower(mediaType)]
}

// ImportKey returns the object key imports/{org_id}/{event_id}/{job_id}.csv.
func ImportKey(orgID, eventID, jobID uuid.UUID) string {
	return path.Join(FolderImports, orgID.String(), eventID.String(), jobID.String()+".csv")
}

// PutImport streams an uploaded CSV to the imports bucket.
func (s *S3) PutImport(ctx context.Context, key string, body io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.ImportsBucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("text/csv"),
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	s.logger.Debug("import uploaded", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// OpenImport returns a reader for a stored CSV. The caller closes it.
func (s *S3) OpenImport(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.ImportsBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return out.Body, nil
}

// DeleteImport removes a stored CSV once it has been processed.
func (s *S3) DeleteImport(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.ImportsBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}
