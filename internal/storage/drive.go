package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"dsync/internal/common"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	// DefaultDriveUploadURL starts a Drive v3 resumable upload.
	DefaultDriveUploadURL = "https://www.googleapis.com/upload/drive/v3/files?uploadType=resumable"

	driveScope = "https://www.googleapis.com/auth/drive.file"

	statusResumeIncomplete = 308
	maxErrorBody           = 4 << 10
)

// HTTPError is a non-success response from the resumable session endpoint.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Body)
}

// FileMetadata is the JSON body that opens a resumable session.
type FileMetadata struct {
	Name     string   `json:"name"`
	Parents  []string `json:"parents,omitempty"`
	MimeType string   `json:"mimeType,omitempty"`
}

// MetadataFor builds the session metadata for a local file.
func MetadataFor(path, parentID string) FileMetadata {
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	meta := FileMetadata{Name: filepath.Base(path), MimeType: mimeType}
	if parentID != "" {
		meta.Parents = []string{parentID}
	}
	return meta
}

// SessionStatus is the remote's view of a resumable session.
type SessionStatus struct {
	// Received is the number of bytes the remote has persisted.
	Received int64
	Complete bool
	FileID   string
}

// DriveClient speaks the resumable session protocol over an authorised
// HTTP client.
type DriveClient struct {
	http      *http.Client
	uploadURL string
}

// DriveConfig configures a DriveClient.
type DriveConfig struct {
	KeyFile   string
	UploadURL string
}

// NewDriveClient authorises with a service-account (or other Google) JSON
// key file. The file is read on every call so the caller controls caching.
func NewDriveClient(ctx context.Context, cfg DriveConfig) (*DriveClient, error) {
	if cfg.KeyFile == "" {
		return nil, common.MissingConfig("destination.key_file")
	}
	data, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, &common.ConfigurationError{Field: "destination.key_file", Reason: err.Error()}
	}
	creds, err := google.CredentialsFromJSON(ctx, data, driveScope)
	if err != nil {
		return nil, &common.ConfigurationError{Field: "destination.key_file", Reason: err.Error()}
	}
	return NewDriveClientWithHTTP(oauth2.NewClient(ctx, creds.TokenSource), cfg.UploadURL), nil
}

// NewDriveClientWithHTTP uses an already authorised client.
func NewDriveClientWithHTTP(client *http.Client, uploadURL string) *DriveClient {
	if uploadURL == "" {
		uploadURL = DefaultDriveUploadURL
	}
	return &DriveClient{http: client, uploadURL: uploadURL}
}

// CreateSession opens a resumable session and returns its URL.
func (c *DriveClient) CreateSession(ctx context.Context, meta FileMetadata, size int64) (string, error) {
	body, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Type", meta.MimeType)
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", httpError("create session", resp)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", &common.ProtocolInvariantError{Operation: "create session", Reason: "response has no Location header"}
	}
	return location, nil
}

// QuerySession asks how many bytes of a size-byte upload the remote holds.
func (c *DriveClient) QuerySession(ctx context.Context, sessionURL string, size int64) (SessionStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, http.NoBody)
	if err != nil {
		return SessionStatus{}, err
	}
	req.ContentLength = 0
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", size))

	resp, err := c.http.Do(req)
	if err != nil {
		return SessionStatus{}, err
	}
	defer drain(resp)

	return sessionStatus("query session", resp, size)
}

// PutRange sends body as bytes [offset, size) of the upload.
func (c *DriveClient) PutRange(ctx context.Context, sessionURL string, body io.Reader, offset, size int64) (SessionStatus, error) {
	if offset == size {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, body)
	if err != nil {
		return SessionStatus{}, err
	}
	req.ContentLength = size - offset
	if size == 0 {
		req.Header.Set("Content-Range", "bytes */0")
	} else {
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, size-1, size))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return SessionStatus{}, err
	}
	defer drain(resp)

	return sessionStatus("upload range", resp, size)
}

func sessionStatus(op string, resp *http.Response, size int64) (SessionStatus, error) {
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var file struct {
			ID string `json:"id"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if len(data) > 0 {
			_ = json.Unmarshal(data, &file)
		}
		return SessionStatus{Received: size, Complete: true, FileID: file.ID}, nil

	case resp.StatusCode == statusResumeIncomplete:
		next, err := ParseRangeHeader(resp.Header.Get("Range"))
		if err != nil {
			return SessionStatus{}, &common.ProtocolInvariantError{Operation: op, Reason: err.Error()}
		}
		return SessionStatus{Received: next}, nil

	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return SessionStatus{}, fmt.Errorf("%s: %w", op, ErrSessionExpired)
	}
	return SessionStatus{}, httpError(op, resp)
}

// ParseRangeHeader turns "bytes 0-N" (or "bytes=0-N") into N+1. An empty
// header means nothing was received.
func ParseRangeHeader(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	if !strings.HasPrefix(v, "bytes") {
		return 0, fmt.Errorf("unexpected Range header %q", v)
	}
	spec := strings.TrimLeft(strings.TrimPrefix(v, "bytes"), " =")

	_, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, fmt.Errorf("unexpected Range header %q", v)
	}
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("unexpected Range header %q", v)
	}
	return n + 1, nil
}

func httpError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}

// IsSessionExpired reports whether err means the session URL must be
// replaced.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}

// FileURL is where a finished Drive upload can be viewed.
func FileURL(fileID string) string {
	return "https://drive.google.com/file/d/" + fileID
}
