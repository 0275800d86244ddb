package transfer

import (
	"context"
	"errors"

	"dsync/internal/storage"
)

// Protocol is one way of getting a file to a remote.
type Protocol interface {
	// Name is the destination tag, used in logs and metrics.
	Name() string
	// Scope distinguishes targets of the same kind (bucket, folder).
	Scope() string

	Open(ctx context.Context, file File) (*Session, error)
	// ResumePosition asks the remote how many bytes it already holds.
	ResumePosition(ctx context.Context, s *Session) (int64, error)
	SendFrom(ctx context.Context, s *Session, offset int64) error
	// Finalize completes the upload and returns the object's location.
	Finalize(ctx context.Context, s *Session) (string, error)
	// Abort releases a session that will never be resumed.
	Abort(ctx context.Context, s *Session) error
}

// sessionGone reports whether the remote no longer knows the session, so a
// new one has to be opened.
func sessionGone(err error) bool {
	return errors.Is(err, storage.ErrNoSuchUpload) || storage.IsSessionExpired(err)
}
