package pipeline

import (
	"context"
	"io"

	"dsync/internal/common"
	"dsync/internal/envelope"

	"github.com/klauspost/compress/gzip"
)

// Payload is the byte stream handed to the cipher: either the raw dump
// output or its gzip form. The interface is closed to this package, so
// compression can only ever be chosen before encryption.
type Payload interface {
	stages() []Stage
	compressed() bool
}

// RawPayload is the untouched dump stream.
type RawPayload struct{}

// Raw starts a plan from the untouched dump stream.
func Raw() RawPayload { return RawPayload{} }

func (RawPayload) stages() []Stage { return nil }
func (RawPayload) compressed() bool { return false }

// Gzip compresses the raw stream at the given level.
func (RawPayload) Gzip(level int) GzipPayload { return GzipPayload{level: level} }

// GzipPayload is the compressed dump stream.
type GzipPayload struct {
	level int
}

func (p GzipPayload) stages() []Stage { return []Stage{gzipStage{level: p.level}} }
func (GzipPayload) compressed() bool { return true }

// Plan is an ordered stage list plus the envelope its output will carry.
// Backup plans only exist through Plain and Seal, restore plans through
// BuildRestore.
type Plan struct {
	stages     []Stage
	Header     *envelope.Header
	Compressed bool
	Encrypted  bool
	// Offset is how many bytes of the source to skip before the first
	// stage; non-zero for encrypted restores.
	Offset int64
}

// Plain finishes a backup plan without encryption.
func Plain(p Payload) Plan {
	return Plan{stages: p.stages(), Compressed: p.compressed()}
}

// Seal finishes a backup plan with encryption under key. A fresh IV is drawn
// for every call.
func Seal(p Payload, key envelope.Key) (Plan, error) {
	if key.IsZero() {
		return Plan{}, common.MissingConfig("MASTER_KEY")
	}
	h, err := envelope.NewHeader(p.compressed(), true)
	if err != nil {
		return Plan{}, err
	}
	stages := append(p.stages(),
		encryptStage{key: key.Bytes(), iv: h.IV[:]},
		frameStage{header: h.Bytes()},
	)
	return Plan{stages: stages, Header: h, Compressed: p.compressed(), Encrypted: true}, nil
}

// BackupOptions selects the backup transforms.
type BackupOptions struct {
	Compress bool
	Encrypt  bool
	Level    int
}

// BuildBackup assembles a backup plan from flags.
func BuildBackup(opts BackupOptions, key envelope.Key) (Plan, error) {
	level := opts.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}

	var payload Payload = Raw()
	if opts.Compress {
		payload = Raw().Gzip(level)
	}
	if opts.Encrypt {
		return Seal(payload, key)
	}
	return Plain(payload), nil
}

// BuildRestore assembles the reverse plan for a detected envelope.
func BuildRestore(info envelope.Info, key envelope.Key) (Plan, error) {
	plan := Plan{Compressed: info.Compressed, Encrypted: info.Encrypted, Offset: info.PayloadOffset()}

	if info.Encrypted {
		if key.IsZero() {
			return Plan{}, common.MissingConfig("MASTER_KEY")
		}
		iv := info.IV
		plan.stages = append(plan.stages, decryptStage{key: key.Bytes(), iv: iv[:]})
	}
	if info.Compressed {
		plan.stages = append(plan.stages, gunzipStage{})
	}
	return plan, nil
}

// StageNames lists the stages in execution order.
func (p Plan) StageNames() []string {
	names := make([]string, 0, len(p.stages))
	for _, s := range p.stages {
		names = append(names, s.Name())
	}
	return names
}

// Run drives the plan from src to sink. When Offset is set and src is
// seekable, the prefix is skipped by seeking; otherwise it is discarded.
func (p Plan) Run(ctx context.Context, src io.ReadCloser, sink io.WriteCloser) (Stats, error) {
	if p.Offset > 0 {
		if err := skip(src, p.Offset); err != nil {
			src.Close()
			discard(sink)
			return Stats{}, &common.PipelineStageError{Stage: "source", Err: err}
		}
	}
	return Run(ctx, p.stages, src, sink)
}

func skip(r io.Reader, n int64) error {
	if s, ok := r.(io.Seeker); ok {
		_, err := s.Seek(n, io.SeekStart)
		return err
	}
	_, err := io.CopyN(io.Discard, r, n)
	return err
}
