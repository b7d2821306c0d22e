package backup

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Mirror copies archives to Amazon S3 or an S3-compatible endpoint
type S3Mirror struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Mirror creates an S3 mirror. Static credentials are used when given,
// otherwise the SDK default chain applies.
func NewS3Mirror(cfg S3Config, prefix string) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, NewValidationError("S3 bucket is required", nil)
	}

	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, NewStorageError("failed to create AWS session", err)
	}

	client := s3.New(sess)
	return &S3Mirror{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   cfg.Bucket,
		prefix:   prefix,
	}, nil
}

// Upload implements Mirror
func (m *S3Mirror) Upload(ctx context.Context, localPath, name string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", NewStorageError("failed to open archive", err)
	}
	defer file.Close()

	key := objectKey(m.prefix, name)
	_, err = m.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]*string{
			"backup-name": aws.String(name),
		},
	})
	if err != nil {
		return "", NewStorageError("failed to upload archive to S3", err)
	}
	return m.Location(name), nil
}

// Delete implements Mirror
func (m *S3Mirror) Delete(ctx context.Context, name string) error {
	_, err := m.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(objectKey(m.prefix, name)),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil
		}
		return NewStorageError("failed to delete archive from S3", err)
	}
	return nil
}

// Location implements Mirror
func (m *S3Mirror) Location(name string) string {
	return fmt.Sprintf("s3://%s/%s", m.bucket, objectKey(m.prefix, name))
}
