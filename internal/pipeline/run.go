package pipeline

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"dsync/internal/common"

	"golang.org/x/sync/errgroup"
)

// Stats counts bytes at both ends of a run.
type Stats struct {
	BytesIn  int64
	BytesOut int64
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

type countingWriter struct {
	w io.Writer
	n atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

// onceCloser makes Close idempotent and remembers the first result.
type onceCloser struct {
	c    io.Closer
	once sync.Once
	err  error
}

func (o *onceCloser) Close() error {
	o.once.Do(func() { o.err = o.c.Close() })
	return o.err
}

// Run connects src, stages and sink with unbuffered pipes, one goroutine per
// stage. A stage blocks on write until the next stage reads, so memory use
// stays bounded regardless of input size.
//
// The first failing stage aborts the run: every pipe is closed with its
// error, src and sink are closed, and the returned error is a
// *common.PipelineStageError naming that stage. Output already written to
// sink must then be treated as garbage.
func Run(ctx context.Context, stages []Stage, src io.ReadCloser, sink io.WriteCloser) (Stats, error) {
	if len(stages) == 0 {
		stages = []Stage{passthrough{}}
	}

	source := &onceCloser{c: src}
	in := &countingReader{r: src}
	out := &countingWriter{w: sink}

	g, gctx := errgroup.WithContext(ctx)

	var (
		firstOnce sync.Once
		first     error
	)
	fail := func(err error) {
		firstOnce.Do(func() { first = err })
	}

	// A stage blocked reading the source does not observe ctx, so closing
	// the source is what unblocks it.
	stop := context.AfterFunc(gctx, func() { source.Close() })
	defer stop()

	var r io.Reader = in
	for i, st := range stages {
		st := st
		input := r

		var (
			w  io.Writer = out
			pw *io.PipeWriter
		)
		if i < len(stages)-1 {
			var pr *io.PipeReader
			pr, pw = io.Pipe()
			w = pw
			r = pr
		}

		g.Go(func() error {
			err := st.Run(gctx, w, input)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = ctxErr
				}
				stageErr := &common.PipelineStageError{Stage: st.Name(), Err: err}
				fail(stageErr)
				if pr, ok := input.(*io.PipeReader); ok {
					pr.CloseWithError(stageErr)
				}
				if pw != nil {
					pw.CloseWithError(stageErr)
				}
				return stageErr
			}
			if pw != nil {
				return pw.Close()
			}
			return nil
		})
	}

	waitErr := g.Wait()
	stats := Stats{BytesIn: in.n.Load(), BytesOut: out.n.Load()}

	if first == nil && waitErr != nil {
		first = &common.PipelineStageError{Stage: "pipeline", Err: waitErr}
	}
	if first == nil && ctx.Err() != nil {
		first = &common.PipelineStageError{Stage: "pipeline", Err: ctx.Err()}
	}
	if first != nil {
		source.Close()
		discard(sink)
		return stats, first
	}

	// A dump process reports failure through its exit status, which only
	// surfaces on Close.
	if err := source.Close(); err != nil {
		discard(sink)
		return stats, &common.PipelineStageError{Stage: "source", Err: err}
	}
	if err := sink.Close(); err != nil {
		return stats, &common.PipelineStageError{Stage: "sink", Err: err}
	}
	return stats, nil
}

// aborter is a sink that can throw away what it received, such as a
// restore tool that must not commit a truncated stream.
type aborter interface {
	Abort() error
}

func discard(sink io.WriteCloser) {
	if a, ok := sink.(aborter); ok {
		a.Abort()
		return
	}
	sink.Close()
}
