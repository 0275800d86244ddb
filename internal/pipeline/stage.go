// Package pipeline assembles backup and restore byte-stream chains and drives
// them as one streaming operation.
package pipeline

import (
	"context"
	"io"
)

const chunkSize = 32 * 1024

// Stage transforms the bytes read from src and writes the result to dst.
// A stage must return once src is exhausted or ctx is done.
type Stage interface {
	Name() string
	Run(ctx context.Context, dst io.Writer, src io.Reader) error
}

// StageFunc adapts a function into a Stage.
type StageFunc struct {
	Label string
	Fn    func(ctx context.Context, dst io.Writer, src io.Reader) error
}

func (s StageFunc) Name() string { return s.Label }

func (s StageFunc) Run(ctx context.Context, dst io.Writer, src io.Reader) error {
	return s.Fn(ctx, dst, src)
}

// ctxReader stops a copy loop once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, chunkSize)
	return io.CopyBuffer(dst, ctxReader{ctx: ctx, r: src}, buf)
}

// passthrough copies bytes unchanged; used when a plan has no transform.
type passthrough struct{}

func (passthrough) Name() string { return "copy" }

func (passthrough) Run(ctx context.Context, dst io.Writer, src io.Reader) error {
	_, err := copyContext(ctx, dst, src)
	return err
}
