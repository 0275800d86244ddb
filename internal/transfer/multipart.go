package transfer

import (
	"context"
	"fmt"
	"os"

	"dsync/internal/checkpoint"
	"dsync/internal/common"
	"dsync/internal/metrics"
	"dsync/internal/storage"
	"dsync/internal/worker"

	"go.uber.org/zap"
)

// DefaultPartSize is the multipart chunk size. Only the last part may be
// shorter.
const DefaultPartSize = 5 * 1024 * 1024

// MultipartOptions tunes a MultipartProtocol
type MultipartOptions struct {
	PartSize    int64
	Concurrency int
	Metrics     *metrics.Collector
	Logger      *zap.Logger
}

// MultipartProtocol uploads to an S3-compatible bucket in fixed-size parts.
type MultipartProtocol struct {
	client      storage.MultipartClient
	bucket      string
	partSize    int64
	concurrency int
	metrics     *metrics.Collector
	logger      *zap.Logger
}

// NewMultipartProtocol creates a protocol writing into bucket
func NewMultipartProtocol(client storage.MultipartClient, bucket string, opts MultipartOptions) *MultipartProtocol {
	if opts.PartSize <= 0 {
		opts.PartSize = DefaultPartSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &MultipartProtocol{
		client:      client,
		bucket:      bucket,
		partSize:    opts.PartSize,
		concurrency: opts.Concurrency,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
}

func (m *MultipartProtocol) Name() string  { return "s3" }
func (m *MultipartProtocol) Scope() string { return m.bucket }

// partCount is how many parts a size-byte file is cut into. An empty file
// still needs one (empty) part.
func (m *MultipartProtocol) partCount(size int64) int {
	if size == 0 {
		return 1
	}
	return int((size + m.partSize - 1) / m.partSize)
}

func (m *MultipartProtocol) expectedPartSize(size int64, partNumber int) int64 {
	off := int64(partNumber-1) * m.partSize
	if rest := size - off; rest < m.partSize {
		return rest
	}
	return m.partSize
}

// Open starts a multipart upload keyed by the file's base name
func (m *MultipartProtocol) Open(ctx context.Context, file File) (*Session, error) {
	meta := storage.MetadataFor(file.Path, "")
	uploadID, err := m.client.NewMultipartUpload(ctx, m.bucket, file.Name, storage.PutOptions{ContentType: meta.MimeType})
	if err != nil {
		return nil, fmt.Errorf("failed to initiate multipart upload: %w", err)
	}
	if uploadID == "" {
		return nil, &common.ProtocolInvariantError{Operation: "create multipart upload", Reason: "response has no upload id"}
	}

	m.logger.Info("Multipart upload opened",
		zap.String("bucket", m.bucket),
		zap.String("key", file.Name),
		zap.String("upload_id", uploadID),
	)
	return &Session{
		Kind: checkpoint.SessionMultipart,
		File: file,
		Multipart: &MultipartSession{
			UploadID: uploadID,
			Bucket:   m.bucket,
			Key:      file.Name,
		},
	}, nil
}

// ResumePosition adopts the longest run of parts 1..k the remote holds with
// the expected sizes. Anything after a gap is uploaded again.
func (m *MultipartProtocol) ResumePosition(ctx context.Context, s *Session) (int64, error) {
	ms := s.Multipart
	uploaded, err := m.client.ListParts(ctx, ms.Bucket, ms.Key, ms.UploadID)
	if err != nil {
		return 0, fmt.Errorf("failed to list parts: %w", err)
	}

	total := m.partCount(s.File.Size)
	prefix := make([]storage.CompletedPart, 0, len(uploaded))
	for i, p := range uploaded {
		n := i + 1
		if n > total || p.PartNumber != n || p.ETag == "" || p.Size != m.expectedPartSize(s.File.Size, n) {
			break
		}
		prefix = append(prefix, storage.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	ms.Parts = prefix

	return m.confirmed(s), nil
}

// confirmed is the byte count covered by the adopted parts.
func (m *MultipartProtocol) confirmed(s *Session) int64 {
	off := int64(len(s.Multipart.Parts)) * m.partSize
	if off > s.File.Size {
		off = s.File.Size
	}
	return off
}

// SendFrom uploads every part after the confirmed prefix. offset must be
// the value ResumePosition returned.
func (m *MultipartProtocol) SendFrom(ctx context.Context, s *Session, offset int64) error {
	ms := s.Multipart
	if offset != m.confirmed(s) {
		return &common.ProtocolInvariantError{
			Operation: "upload parts",
			Reason:    fmt.Sprintf("offset %d does not match the %d confirmed parts", offset, len(ms.Parts)),
		}
	}

	tasks := worker.SplitParts(s.File.Size, m.partSize, len(ms.Parts))
	if len(tasks) == 0 {
		return nil
	}

	f, err := os.Open(s.File.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.File.Path, err)
	}
	defer f.Close()

	processor := worker.NewPartProcessor(
		worker.Config{Bucket: ms.Bucket, Key: ms.Key, UploadID: ms.UploadID},
		m.client, f, s.body, m.logger,
	)
	results, err := worker.NewPool(m.concurrency, processor, m.metrics, m.logger).Run(ctx, tasks)
	if err != nil {
		return err
	}

	for _, r := range results {
		ms.Parts = append(ms.Parts, r.Part())
	}
	return nil
}

// Finalize checks the part list and completes the upload
func (m *MultipartProtocol) Finalize(ctx context.Context, s *Session) (string, error) {
	ms := s.Multipart
	if err := validateParts(ms.Parts, m.partCount(s.File.Size)); err != nil {
		return "", err
	}

	location, err := m.client.CompleteMultipartUpload(ctx, ms.Bucket, ms.Key, ms.UploadID, ms.Parts)
	if err != nil {
		return "", fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	if location == "" {
		return "", &common.ProtocolInvariantError{Operation: "complete multipart upload", Reason: "response has no location"}
	}

	info, err := m.client.HeadObject(ctx, ms.Bucket, ms.Key)
	switch {
	case err != nil:
		m.logger.Warn("Could not verify uploaded object", zap.String("key", ms.Key), zap.Error(err))
	case info.Size != s.File.Size:
		return "", &common.ProtocolInvariantError{
			Operation: "complete multipart upload",
			Reason:    fmt.Sprintf("remote object is %d bytes, expected %d", info.Size, s.File.Size),
		}
	}

	return location, nil
}

// Abort drops the remote upload and any parts it holds
func (m *MultipartProtocol) Abort(ctx context.Context, s *Session) error {
	ms := s.Multipart
	return m.client.AbortMultipartUpload(ctx, ms.Bucket, ms.Key, ms.UploadID)
}

// validateParts requires parts numbered 1..want in order, each with an ETag.
func validateParts(parts []storage.CompletedPart, want int) error {
	if len(parts) != want {
		return &common.ProtocolInvariantError{
			Operation: "complete multipart upload",
			Reason:    fmt.Sprintf("have %d parts, want %d", len(parts), want),
		}
	}
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return &common.ProtocolInvariantError{
				Operation: "complete multipart upload",
				Reason:    fmt.Sprintf("part %d at position %d: parts must be numbered from 1 without gaps", p.PartNumber, i+1),
			}
		}
		if p.ETag == "" {
			return &common.ProtocolInvariantError{
				Operation: "complete multipart upload",
				Reason:    fmt.Sprintf("part %d has no ETag", p.PartNumber),
			}
		}
	}
	return nil
}
