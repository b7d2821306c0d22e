package backup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureMirror copies archives to Azure Blob Storage
type AzureMirror struct {
	containerURL  azblob.ContainerURL
	containerName string
	prefix        string
}

// NewAzureMirror creates an Azure mirror with shared key credentials
func NewAzureMirror(cfg AzureConfig, prefix string) (*AzureMirror, error) {
	if cfg.ContainerName == "" {
		return nil, NewValidationError("Azure container name is required", nil)
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, NewStorageError("failed to create Azure credentials", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName))
	if err != nil {
		return nil, NewStorageError("failed to parse Azure service URL", err)
	}

	return &AzureMirror{
		containerURL:  azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(cfg.ContainerName),
		containerName: cfg.ContainerName,
		prefix:        prefix,
	}, nil
}

// Upload implements Mirror
func (m *AzureMirror) Upload(ctx context.Context, localPath, name string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", NewStorageError("failed to open archive", err)
	}
	defer file.Close()

	blobURL := m.containerURL.NewBlockBlobURL(objectKey(m.prefix, name))
	_, err = azblob.UploadFileToBlockBlob(ctx, file, blobURL, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 16,
		Metadata:    azblob.Metadata{"backup-name": name},
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return "", NewStorageError("failed to upload archive to Azure", err)
	}
	return m.Location(name), nil
}

// Delete implements Mirror
func (m *AzureMirror) Delete(ctx context.Context, name string) error {
	blobURL := m.containerURL.NewBlockBlobURL(objectKey(m.prefix, name))
	_, err := blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil {
		var serr azblob.StorageError
		if errors.As(err, &serr) && serr.ServiceCode() == azblob.ServiceCodeBlobNotFound {
			return nil
		}
		return NewStorageError("failed to delete archive from Azure", err)
	}
	return nil
}

// Location implements Mirror
func (m *AzureMirror) Location(name string) string {
	return fmt.Sprintf("azure://%s/%s", m.containerName, objectKey(m.prefix, name))
}
