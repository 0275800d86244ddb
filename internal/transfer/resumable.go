package transfer

import (
	"context"
	"fmt"
	"io"
	"os"

	"dsync/internal/checkpoint"
	"dsync/internal/common"
	"dsync/internal/storage"

	"go.uber.org/zap"
)

// SessionClient is the resumable session API.
type SessionClient interface {
	CreateSession(ctx context.Context, meta storage.FileMetadata, size int64) (string, error)
	QuerySession(ctx context.Context, sessionURL string, size int64) (storage.SessionStatus, error)
	PutRange(ctx context.Context, sessionURL string, body io.Reader, offset, size int64) (storage.SessionStatus, error)
}

// ResumableProtocol uploads through a resumable session URL.
type ResumableProtocol struct {
	client   SessionClient
	folderID string
	logger   *zap.Logger
}

// NewResumableProtocol creates a protocol placing files under folderID
func NewResumableProtocol(client SessionClient, folderID string, logger *zap.Logger) *ResumableProtocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResumableProtocol{client: client, folderID: folderID, logger: logger}
}

func (r *ResumableProtocol) Name() string  { return "drive" }
func (r *ResumableProtocol) Scope() string { return r.folderID }

// Open creates the session
func (r *ResumableProtocol) Open(ctx context.Context, file File) (*Session, error) {
	url, err := r.client.CreateSession(ctx, storage.MetadataFor(file.Path, r.folderID), file.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload session: %w", err)
	}

	r.logger.Info("Upload session opened", zap.String("file", file.Name))
	return &Session{
		Kind:      checkpoint.SessionResumable,
		File:      file,
		Resumable: &ResumableSession{URL: url, TotalSize: file.Size},
	}, nil
}

// ResumePosition queries the session. An expired session surfaces as
// storage.ErrSessionExpired.
func (r *ResumableProtocol) ResumePosition(ctx context.Context, s *Session) (int64, error) {
	st, err := r.client.QuerySession(ctx, s.Resumable.URL, s.Resumable.TotalSize)
	if err != nil {
		return 0, err
	}
	if err := r.apply(s, st); err != nil {
		return 0, err
	}
	return s.Resumable.BytesConfirmed, nil
}

// apply records the remote's answer. The remote is the only source of
// truth for the confirmed byte count.
func (r *ResumableProtocol) apply(s *Session, st storage.SessionStatus) error {
	rs := s.Resumable
	if st.Received > rs.TotalSize {
		return &common.ProtocolInvariantError{
			Operation: "resumable upload",
			Reason:    fmt.Sprintf("remote reports %d bytes of a %d byte file", st.Received, rs.TotalSize),
		}
	}
	if st.Received < rs.BytesConfirmed {
		r.logger.Warn("Remote holds fewer bytes than previously confirmed",
			zap.Int64("previous", rs.BytesConfirmed),
			zap.Int64("received", st.Received),
		)
	}
	rs.BytesConfirmed = st.Received
	if st.Complete {
		rs.Complete = true
		rs.FileID = st.FileID
	}
	return nil
}

// SendFrom PUTs bytes [offset, size) in one request
func (r *ResumableProtocol) SendFrom(ctx context.Context, s *Session, offset int64) error {
	rs := s.Resumable
	if rs.Complete {
		return nil
	}

	var (
		st  storage.SessionStatus
		err error
	)
	if offset == rs.TotalSize && rs.TotalSize > 0 {
		// Every byte is there but the remote has not reported completion.
		st, err = r.client.QuerySession(ctx, rs.URL, rs.TotalSize)
	} else {
		st, err = r.sendRange(ctx, s, offset)
	}
	if err != nil {
		return err
	}
	if err := r.apply(s, st); err != nil {
		return err
	}

	if !rs.Complete {
		return fmt.Errorf("upload incomplete: remote holds %d of %d bytes", rs.BytesConfirmed, rs.TotalSize)
	}
	return nil
}

func (r *ResumableProtocol) sendRange(ctx context.Context, s *Session, offset int64) (storage.SessionStatus, error) {
	rs := s.Resumable
	f, err := os.Open(s.File.Path)
	if err != nil {
		return storage.SessionStatus{}, fmt.Errorf("failed to open %s: %w", s.File.Path, err)
	}
	defer f.Close()

	body := s.body(io.NewSectionReader(f, offset, rs.TotalSize-offset))
	return r.client.PutRange(ctx, rs.URL, body, offset, rs.TotalSize)
}

// Finalize returns the file's URL once the remote reported completion
func (r *ResumableProtocol) Finalize(_ context.Context, s *Session) (string, error) {
	rs := s.Resumable
	if !rs.Complete {
		return "", fmt.Errorf("upload incomplete: remote holds %d of %d bytes", rs.BytesConfirmed, rs.TotalSize)
	}
	if rs.FileID == "" {
		return "", &common.ProtocolInvariantError{Operation: "resumable upload", Reason: "completed upload has no file id"}
	}
	return storage.FileURL(rs.FileID), nil
}

// Abort forgets the session. Unfinished sessions expire on their own.
func (r *ResumableProtocol) Abort(context.Context, *Session) error {
	return nil
}
