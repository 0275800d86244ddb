package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

type gzipStage struct {
	level int
}

func (gzipStage) Name() string { return "gzip" }

func (s gzipStage) Run(ctx context.Context, dst io.Writer, src io.Reader) error {
	zw, err := gzip.NewWriterLevel(dst, s.level)
	if err != nil {
		return fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := copyContext(ctx, zw, src); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

type gunzipStage struct{}

func (gunzipStage) Name() string { return "gunzip" }

func (gunzipStage) Run(ctx context.Context, dst io.Writer, src io.Reader) error {
	zr, err := gzip.NewReader(ctxReader{ctx: ctx, r: src})
	if err != nil {
		return fmt.Errorf("reading gzip header: %w", err)
	}
	defer zr.Close()

	_, err = copyContext(ctx, dst, zr)
	return err
}
