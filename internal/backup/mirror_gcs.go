package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSMirror copies archives to Google Cloud Storage
type GCSMirror struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSMirror creates a GCS mirror using a credentials file when
// configured, otherwise application default credentials
func NewGCSMirror(ctx context.Context, cfg GCSConfig, prefix string) (*GCSMirror, error) {
	if cfg.Bucket == "" {
		return nil, NewValidationError("GCS bucket is required", nil)
	}

	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, NewStorageError("failed to create GCS client", err)
	}

	return &GCSMirror{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// Upload implements Mirror
func (m *GCSMirror) Upload(ctx context.Context, localPath, name string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", NewStorageError("failed to open archive", err)
	}
	defer file.Close()

	writer := m.client.Bucket(m.bucket).Object(objectKey(m.prefix, name)).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.Metadata = map[string]string{"backup-name": name}

	if _, err := io.Copy(writer, file); err != nil {
		writer.Close()
		return "", NewStorageError("failed to write archive to GCS", err)
	}
	if err := writer.Close(); err != nil {
		return "", NewStorageError("failed to upload archive to GCS", err)
	}
	return m.Location(name), nil
}

// Delete implements Mirror
func (m *GCSMirror) Delete(ctx context.Context, name string) error {
	err := m.client.Bucket(m.bucket).Object(objectKey(m.prefix, name)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return NewStorageError("failed to delete archive from GCS", err)
	}
	return nil
}

// Location implements Mirror
func (m *GCSMirror) Location(name string) string {
	return fmt.Sprintf("gs://%s/%s", m.bucket, objectKey(m.prefix, name))
}
