package transfer

import (
	"context"

	"dsync/internal/common"
	"dsync/internal/config"
	"dsync/internal/metrics"
	"dsync/internal/storage"

	"go.uber.org/zap"
)

// ForDestination builds the protocol for dest. Key files are read here, on
// every call, so rotated credentials take effect on the next transfer.
func ForDestination(ctx context.Context, dest config.Destination, tr config.Transfer, collector *metrics.Collector, logger *zap.Logger) (Protocol, error) {
	if err := dest.Validate(); err != nil {
		return nil, err
	}

	switch dest.Type {
	case config.DestinationS3:
		creds, err := storage.LoadS3Credentials(dest.KeyFile)
		if err != nil {
			return nil, err
		}
		client, err := storage.NewMinIOClient(creds.Apply(storage.Config{
			Endpoint: dest.Endpoint,
			Region:   dest.Region,
			Secure:   dest.Secure,
		}))
		if err != nil {
			return nil, &common.ConfigurationError{Field: "destination.endpoint", Reason: err.Error()}
		}
		return NewMultipartProtocol(client, dest.Bucket, MultipartOptions{
			PartSize:    DefaultPartSize,
			Concurrency: tr.Concurrency,
			Metrics:     collector,
			Logger:      logger,
		}), nil

	case config.DestinationDrive:
		client, err := storage.NewDriveClient(ctx, storage.DriveConfig{
			KeyFile:   dest.KeyFile,
			UploadURL: dest.UploadURL,
		})
		if err != nil {
			return nil, err
		}
		return NewResumableProtocol(client, dest.FolderID, logger), nil
	}

	return nil, &common.ConfigurationError{Field: "destination.type", Reason: "unknown destination " + dest.Type}
}
