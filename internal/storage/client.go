package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// MultipartClient is the subset of the S3 API the multipart transfer needs.
type MultipartClient interface {
	HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error)

	NewMultipartUpload(ctx context.Context, bucket, key string, opts PutOptions) (string, error)
	UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error)
	// ListParts returns every part the remote holds for uploadID, ordered by
	// part number.
	ListParts(ctx context.Context, bucket, key, uploadID string) ([]UploadedPart, error)
	// CompleteMultipartUpload returns the location of the assembled object.
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) (string, error)
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
}

// ObjectInfo contains object metadata
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// PutOptions contains options for put operations
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// CompletedPart is one entry of the completion request.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// UploadedPart is a part the remote already accepted.
type UploadedPart struct {
	PartNumber int
	ETag       string
	Size       int64
}

// Config contains S3 client configuration
type Config struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	Secure       bool
}

var (
	// ErrNoSuchUpload means the remote no longer knows the upload id.
	ErrNoSuchUpload = errors.New("no such upload")

	// ErrSessionExpired means a resumable session URL is gone.
	ErrSessionExpired = errors.New("upload session expired")

	// ErrNotFound means the object does not exist.
	ErrNotFound = errors.New("object not found")
)
