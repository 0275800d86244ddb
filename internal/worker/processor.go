package worker

import (
	"context"
	"fmt"
	"io"
	"time"

	"dsync/internal/common"
	"dsync/internal/storage"

	"go.uber.org/zap"
)

// Processor uploads a single part
type Processor interface {
	Process(ctx context.Context, task Task) Result
}

// PartProcessor reads a part's byte range from the local file and sends it
type PartProcessor struct {
	config Config
	client storage.MultipartClient
	file   io.ReaderAt
	// wrap, if set, decorates the part body (progress, throttling).
	wrap   func(io.Reader) io.Reader
	logger *zap.Logger
}

// NewPartProcessor creates a processor for one upload
func NewPartProcessor(config Config, client storage.MultipartClient, file io.ReaderAt, wrap func(io.Reader) io.Reader, logger *zap.Logger) *PartProcessor {
	return &PartProcessor{
		config: config,
		client: client,
		file:   file,
		wrap:   wrap,
		logger: logger,
	}
}

// Process uploads task and reports the ETag the remote assigned
func (p *PartProcessor) Process(ctx context.Context, task Task) Result {
	startTime := time.Now()
	res := Result{PartNumber: task.PartNumber, Size: task.Size}

	var body io.Reader = io.NewSectionReader(p.file, task.Offset, task.Size)
	if p.wrap != nil {
		body = p.wrap(body)
	}

	etag, err := p.client.UploadPart(ctx, p.config.Bucket, p.config.Key, p.config.UploadID, task.PartNumber, body, task.Size)
	if err != nil {
		res.Err = fmt.Errorf("upload part %d: %w", task.PartNumber, err)
		return res
	}
	if etag == "" {
		res.Err = &common.ProtocolInvariantError{
			Operation: "upload part",
			Reason:    fmt.Sprintf("part %d returned no ETag", task.PartNumber),
		}
		return res
	}

	res.ETag = etag
	p.logger.Debug("Part uploaded",
		zap.Int("part", task.PartNumber),
		zap.Int64("size", task.Size),
		zap.Duration("duration", time.Since(startTime)),
	)
	return res
}
