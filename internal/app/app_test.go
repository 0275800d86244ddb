package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dsync/internal/checkpoint"
	"dsync/internal/common"
	"dsync/internal/config"
	"dsync/internal/dump"
	"dsync/internal/logger"
	"dsync/internal/transfer"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const dumpSQL = "CREATE DATABASE shop;\nINSERT INTO orders VALUES (1, 'widget');\n"

var fixedNow = time.Unix(1700000000, 0)

func memStore(t *testing.T) *checkpoint.SQLiteStore {
	t.Helper()
	s, err := checkpoint.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MasterKey = "correct horse battery staple"
	cfg.Transfer.BaseDelay = time.Millisecond
	cfg.Transfer.MaxDelay = time.Millisecond
	return cfg
}

func testJob(outDir string) config.Job {
	return config.Job{
		ID:       "nightly",
		Database: config.Database{Type: "postgresql", Host: "db", Port: 5432, User: "backup", Password: "pw", Name: "shop"},
		Backup:   config.Backup{OutputDir: outDir, Compress: true, Encrypt: true},
	}
}

func staticSource(data string) SourceFunc {
	return func(context.Context, dump.Backend, dump.Connection) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(data)), nil
	}
}

type failingReader struct{ after int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("pg_dump: connection reset")
	}
	n := copy(p[:min(len(p), f.after)], bytes.Repeat([]byte("x"), f.after))
	f.after -= n
	return n, nil
}

// memProtocol stores uploads in memory.
type memProtocol struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (p *memProtocol) Name() string  { return "mem" }
func (p *memProtocol) Scope() string { return "test" }

func (p *memProtocol) Open(_ context.Context, file transfer.File) (*transfer.Session, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &transfer.Session{
		Kind:      checkpoint.SessionMultipart,
		File:      file,
		Multipart: &transfer.MultipartSession{UploadID: "u-1", Bucket: "test", Key: file.Name},
	}, nil
}

func (p *memProtocol) ResumePosition(context.Context, *transfer.Session) (int64, error) {
	return 0, nil
}

func (p *memProtocol) SendFrom(_ context.Context, s *transfer.Session, _ int64) error {
	data, err := os.ReadFile(s.File.Path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.objects == nil {
		p.objects = make(map[string][]byte)
	}
	p.objects[s.File.Name] = data
	return nil
}

func (p *memProtocol) Finalize(_ context.Context, s *transfer.Session) (string, error) {
	return "mem://test/" + s.File.Name, nil
}

func (p *memProtocol) Abort(context.Context, *transfer.Session) error { return nil }

type captureWriter struct {
	bytes.Buffer
	closed bool
}

func (c *captureWriter) Close() error {
	c.closed = true
	return nil
}

func newRunner(t *testing.T, cfg *config.Config, deps Deps) (*Runner, *checkpoint.SQLiteStore) {
	t.Helper()
	store := memStore(t)
	deps.Store = store
	deps.Logger = zap.NewNop()
	if deps.Now == nil {
		deps.Now = func() time.Time { return fixedNow }
	}
	r, err := NewRunner(cfg, deps)
	require.NoError(t, err)
	return r, store
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name     string
		compress bool
		encrypt  bool
		file     string
	}{
		{"plain", false, false, "shop-1700000000.sql"},
		{"gzip", true, false, "shop-1700000000.gz"},
		{"encrypted", false, true, "shop-1700000000.enc"},
		{"gzip and encrypted", true, true, "shop-1700000000.enc"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			r, _ := newRunner(t, testConfig(), Deps{Source: staticSource(dumpSQL)})

			job := testJob(filepath.Join(dir, "backups"))
			job.Backup.Compress, job.Backup.Encrypt = tc.compress, tc.encrypt

			res, err := r.Backup(context.Background(), job)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, "backups", tc.file), res.Path)
			assert.FileExists(t, res.Path)

			raw, err := os.ReadFile(res.Path)
			require.NoError(t, err)
			switch {
			case tc.encrypt:
				flag := "ENC_ONLY"
				if tc.compress {
					flag = "ENC_COMP"
				}
				assert.Equal(t, flag, string(raw[:8]))
				assert.NotContains(t, string(raw), dumpSQL)
			case tc.compress:
				assert.Equal(t, []byte{0x1f, 0x8b}, raw[:2], "gzip magic")
			default:
				assert.Equal(t, dumpSQL, string(raw))
			}

			restored, err := r.Restore(context.Background(), res.Path, RestoreOptions{OutputDir: filepath.Join(dir, "restored")})
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, "restored", "shop-1700000000.sql"), restored.Target)
			assert.Equal(t, tc.compress, restored.Compressed)
			assert.Equal(t, tc.encrypt, restored.Encrypted)

			got, err := os.ReadFile(restored.Target)
			require.NoError(t, err)
			assert.Equal(t, dumpSQL, string(got))
		})
	}
}

func TestRestore_IntoDatabase(t *testing.T) {
	dir := t.TempDir()
	target := &captureWriter{}
	var gotConn dump.Connection
	r, _ := newRunner(t, testConfig(), Deps{
		Source: staticSource(dumpSQL),
		Target: func(_ context.Context, _ dump.Backend, conn dump.Connection) (io.WriteCloser, error) {
			gotConn = conn
			return target, nil
		},
	})

	res, err := r.Backup(context.Background(), testJob(dir))
	require.NoError(t, err)

	db := config.Database{Type: "postgresql", Host: "restore-db", Port: 5432, User: "admin", Name: "shop_copy"}
	restored, err := r.Restore(context.Background(), res.Path, RestoreOptions{Database: &db})
	require.NoError(t, err)

	assert.Equal(t, "shop_copy", restored.Target)
	assert.Equal(t, "restore-db", gotConn.Host)
	assert.Equal(t, dumpSQL, target.String())
	assert.True(t, target.closed)
}

func TestBackup_EncryptWithoutKey(t *testing.T) {
	cfg := testConfig()
	cfg.MasterKey = ""
	dir := t.TempDir()
	r, store := newRunner(t, cfg, Deps{Source: staticSource(dumpSQL)})

	_, err := r.Backup(context.Background(), testJob(dir))
	require.ErrorIs(t, err, common.ErrConfiguration)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	runs, err := store.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, checkpoint.StatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "MASTER_KEY")
}

func TestBackup_FailedDumpLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	r, store := newRunner(t, testConfig(), Deps{
		Source: func(context.Context, dump.Backend, dump.Connection) (io.ReadCloser, error) {
			return io.NopCloser(&failingReader{after: 1 << 16}), nil
		},
	})

	_, err := r.Backup(context.Background(), testJob(dir))
	require.ErrorIs(t, err, common.ErrPipelineStage)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial backup must be removed")

	runs, err := store.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, KindBackup, runs[0].Kind)
	assert.Equal(t, "nightly", runs[0].JobID)
	assert.True(t, runs[0].Compressed)
	assert.True(t, runs[0].Encrypted)
}

func TestBackup_UnknownDatabaseType(t *testing.T) {
	r, _ := newRunner(t, testConfig(), Deps{Source: staticSource(dumpSQL)})
	job := testJob(t.TempDir())
	job.Database.Type = "oracle"

	_, err := r.Backup(context.Background(), job)
	assert.ErrorIs(t, err, common.ErrConfiguration)
}

func TestRestore_MalformedEnvelope(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shop-1700000000.enc")
	require.NoError(t, os.WriteFile(path, []byte("not an envelope"), 0o600))

	r, store := newRunner(t, testConfig(), Deps{})
	out := filepath.Join(dir, "restored")
	_, err := r.Restore(context.Background(), path, RestoreOptions{OutputDir: out})
	require.ErrorIs(t, err, common.ErrMalformedEnvelope)
	assert.NoDirExists(t, out)

	runs, err := store.ListRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, KindRestore, runs[0].Kind)
	assert.Equal(t, checkpoint.StatusFailed, runs[0].Status)
}

func TestRestore_WrongKeyRemovesOutput(t *testing.T) {
	dir := t.TempDir()
	r, _ := newRunner(t, testConfig(), Deps{Source: staticSource(dumpSQL)})
	res, err := r.Backup(context.Background(), testJob(dir))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MasterKey = "a different secret"
	other, _ := newRunner(t, cfg, Deps{})

	out := filepath.Join(dir, "restored")
	_, err = other.Restore(context.Background(), res.Path, RestoreOptions{OutputDir: out})
	require.ErrorIs(t, err, common.ErrPipelineStage)
	assert.NoFileExists(t, filepath.Join(out, "shop-1700000000.sql"))
}

func TestRunOnce_BackupThenUpload(t *testing.T) {
	dir := t.TempDir()
	proto := &memProtocol{}
	var gotDest config.Destination
	r, store := newRunner(t, testConfig(), Deps{
		Source: staticSource(dumpSQL),
		Protocol: func(_ context.Context, dest config.Destination) (transfer.Protocol, error) {
			gotDest = dest
			return proto, nil
		},
	})

	job := testJob(dir)
	job.Upload = &config.Destination{Type: config.DestinationS3, KeyFile: "/etc/dsync/s3.json", Bucket: "nightly"}
	require.NoError(t, r.RunOnce(context.Background(), job))

	assert.Equal(t, "nightly", gotDest.Bucket)
	uploaded, ok := proto.objects["shop-1700000000.enc"]
	require.True(t, ok)
	local, err := os.ReadFile(filepath.Join(dir, "shop-1700000000.enc"))
	require.NoError(t, err)
	assert.Equal(t, local, uploaded)

	runs, err := store.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, KindUpload, runs[0].Kind)
	assert.Equal(t, "mem://test/shop-1700000000.enc", runs[0].Location)
	assert.Equal(t, 1, runs[0].Attempts)
	assert.True(t, runs[0].Encrypted)
	assert.Equal(t, KindBackup, runs[1].Kind)
}

func TestRunOnce_UploadFailureIsReported(t *testing.T) {
	dir := t.TempDir()
	proto := &memProtocol{err: &common.ProtocolInvariantError{Operation: "create upload", Reason: "no upload id"}}
	r, store := newRunner(t, testConfig(), Deps{
		Source: staticSource(dumpSQL),
		Protocol: func(context.Context, config.Destination) (transfer.Protocol, error) {
			return proto, nil
		},
	})

	job := testJob(dir)
	job.Upload = &config.Destination{Type: config.DestinationDrive, KeyFile: "/etc/dsync/drive.json", FolderID: "f"}
	err := r.RunOnce(context.Background(), job)
	require.ErrorIs(t, err, common.ErrTransfer)

	// The backup itself stays on disk.
	assert.FileExists(t, filepath.Join(dir, "shop-1700000000.enc"))

	runs, err := store.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, checkpoint.StatusFailed, runs[0].Status)
	assert.Equal(t, checkpoint.StatusSucceeded, runs[1].Status)
}

func TestUpload_InvalidDestination(t *testing.T) {
	r, _ := newRunner(t, testConfig(), Deps{
		Protocol: func(context.Context, config.Destination) (transfer.Protocol, error) {
			t.Fatal("protocol must not be built for an invalid destination")
			return nil, nil
		},
	})
	_, err := r.Upload(context.Background(), "/nonexistent", config.Destination{Type: config.DestinationS3}, "")
	assert.ErrorIs(t, err, common.ErrConfiguration)
}

func TestOutcomeLog(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "backup_status.log")
	outcomes, err := logger.NewOutcomeLogger(logPath)
	require.NoError(t, err)

	r, _ := newRunner(t, testConfig(), Deps{Source: staticSource(dumpSQL), Outcomes: outcomes})
	_, err = r.Backup(context.Background(), testJob(filepath.Join(dir, "out")))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
	assert.Equal(t, "backup", line["kind"])
	assert.Equal(t, "succeeded", line["status"])
	assert.Equal(t, "shop", line["database"])
	assert.Equal(t, true, line["encrypted"])
}

func TestSummarize(t *testing.T) {
	var runs []*checkpoint.RunRecord
	for i := 0; i < 7; i++ {
		runs = append(runs, &checkpoint.RunRecord{Kind: KindBackup, Status: checkpoint.StatusSucceeded, Size: 1024, Path: "b"})
	}
	runs = append(runs,
		&checkpoint.RunRecord{Kind: KindUpload, Status: checkpoint.StatusFailed, Error: "transfer failed"},
		&checkpoint.RunRecord{Kind: KindRestore, Status: checkpoint.StatusFailed, Error: "malformed"},
	)

	s := Summarize(runs)
	assert.Equal(t, 9, s.Total)
	assert.Equal(t, 7, s.Succeeded)
	assert.Equal(t, 2, s.Failed)
	assert.EqualValues(t, 7*1024, s.Bytes)
	assert.Len(t, s.RecentSucceeded, recentPerStatus)
	assert.Len(t, s.RecentFailed, 2)
	assert.Equal(t, 7, s.ByKind[KindBackup])

	var buf bytes.Buffer
	require.NoError(t, s.WriteText(&buf))
	out := buf.String()
	assert.Contains(t, out, "Succeeded:  7")
	assert.Contains(t, out, "7.0 KiB")
	assert.Contains(t, out, "malformed")
}

func TestReport_ReadsStore(t *testing.T) {
	dir := t.TempDir()
	r, _ := newRunner(t, testConfig(), Deps{Source: staticSource(dumpSQL)})
	_, err := r.Backup(context.Background(), testJob(dir))
	require.NoError(t, err)

	s, err := r.Report(10)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.Succeeded)
	assert.Positive(t, s.Bytes)
}
