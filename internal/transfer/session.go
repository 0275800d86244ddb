// Package transfer moves a finished backup file to a remote destination
// with resumable, retried uploads.
package transfer

import (
	"io"

	"dsync/internal/checkpoint"
	"dsync/internal/storage"
)

// File is the local file being uploaded.
type File struct {
	Path string
	Name string
	Size int64
}

// Session is an upload in progress. Exactly one of Multipart and Resumable
// is set, matching Kind.
type Session struct {
	Kind      checkpoint.SessionKind
	File      File
	Multipart *MultipartSession
	Resumable *ResumableSession

	wrap func(io.Reader) io.Reader
}

// MultipartSession tracks an S3 multipart upload. Parts holds the parts the
// remote confirmed, ordered and without gaps.
type MultipartSession struct {
	UploadID string
	Bucket   string
	Key      string
	Parts    []storage.CompletedPart
}

// ResumableSession tracks a resumable session URL. BytesConfirmed is always
// taken from the remote's latest answer.
type ResumableSession struct {
	URL            string
	TotalSize      int64
	BytesConfirmed int64
	Complete       bool
	FileID         string
}

// body decorates a request body with whatever the engine attached.
func (s *Session) body(r io.Reader) io.Reader {
	if s.wrap == nil {
		return r
	}
	return s.wrap(r)
}

// Token is what identifies the remote session across restarts.
func (s *Session) Token() string {
	switch s.Kind {
	case checkpoint.SessionMultipart:
		return s.Multipart.UploadID
	case checkpoint.SessionResumable:
		return s.Resumable.URL
	}
	return ""
}

func (s *Session) record(destination string) *checkpoint.SessionRecord {
	rec := &checkpoint.SessionRecord{
		Destination: destination,
		Path:        s.File.Path,
		Size:        s.File.Size,
		Kind:        s.Kind,
		Token:       s.Token(),
	}
	if s.Multipart != nil {
		rec.Bucket = s.Multipart.Bucket
		rec.ObjectKey = s.Multipart.Key
	}
	return rec
}

// sessionFromRecord rebuilds a session from its stored token. Progress is
// not stored; ResumePosition asks the remote.
func sessionFromRecord(rec *checkpoint.SessionRecord, file File) *Session {
	switch rec.Kind {
	case checkpoint.SessionMultipart:
		return &Session{
			Kind: rec.Kind,
			File: file,
			Multipart: &MultipartSession{
				UploadID: rec.Token,
				Bucket:   rec.Bucket,
				Key:      rec.ObjectKey,
			},
		}
	case checkpoint.SessionResumable:
		return &Session{
			Kind:      rec.Kind,
			File:      file,
			Resumable: &ResumableSession{URL: rec.Token, TotalSize: file.Size},
		}
	}
	return nil
}
