// Package painter schedules the download and verification of missing
// chunks of a pane.Surface, coalescing contiguous runs of missing chunks
// into single remote transfers and retrying failed downloads with
// exponential backoff.
package painter

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/nosqlbench/nbdatatools-sub003/build"
	"github.com/nosqlbench/nbdatatools-sub003/crypto"
	"github.com/nosqlbench/nbdatatools-sub003/geometry"
	"github.com/nosqlbench/nbdatatools-sub003/merkletree"
	"github.com/nosqlbench/nbdatatools-sub003/pane"
	"github.com/nosqlbench/nbdatatools-sub003/persist"
	"github.com/nosqlbench/nbdatatools-sub003/pool"
	"github.com/NebulousLabs/errors"
	"github.com/NebulousLabs/threadgroup"
	"golang.org/x/sync/errgroup"
)

// Transport fetches a byte range from wherever the dataset's full bytes
// live. The Painter only ever passes chunk-aligned ranges.
type Transport interface {
	DownloadRange(ctx context.Context, start, length uint64) ([]byte, error)
}

// NodeTransfer is a single chunk-aligned byte range to be downloaded as one
// remote request.
type NodeTransfer struct {
	Start uint64
	End   uint64
}

// Options configures retry policy and concurrency. Zero-valued fields are
// replaced by DefaultOptions' values.
type Options struct {
	// MaxAttempts bounds how many times a run's download is retried before
	// DownloadFailed is surfaced for it. Default 5.
	MaxAttempts int
	// BaseDelay is the first retry's backoff delay. Default 100ms.
	BaseDelay time.Duration
	// MaxDelay caps backoff growth. Default 30s.
	MaxDelay time.Duration
	// MaxTransferSize caps a single run's byte length; a longer run is
	// split at the largest chunk boundary that fits. Zero means no cap.
	MaxTransferSize uint64
	// MaxConcurrentRuns bounds how many runs download at once. Default 4.
	MaxConcurrentRuns int
	// Logger receives state-transition messages. A nil Logger disables
	// logging.
	Logger *persist.Logger
}

// DefaultOptions returns Options with every tunable set to its default.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:       5,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		MaxConcurrentRuns: 4,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.MaxConcurrentRuns <= 0 {
		o.MaxConcurrentRuns = d.MaxConcurrentRuns
	}
	return o
}

// Painter drives the download-verify-submit pipeline for a single pane.
type Painter struct {
	pane      pane.Surface
	ref       *merkletree.Tree // checked against each download before it reaches pane.SubmitChunk
	transport Transport
	sink      EventSink
	tg        threadgroup.ThreadGroup
	inFlight  sync.Map // uint32 chunk index -> struct{}
	bufPool   *pool.Pool[[]byte]
	opts      Options
}

// New creates a Painter bound to p, verifying downloaded chunks against
// ref. sink may be nil, in which case events are dropped.
func New(p pane.Surface, ref *merkletree.Tree, transport Transport, sink EventSink, opts Options) *Painter {
	opts = opts.withDefaults()
	chunkSize := p.Geometry().ChunkSize()
	bufPool, err := pool.New(
		func() []byte { return make([]byte, chunkSize) },
		func(b []byte) {},
		nil,
	)
	if err != nil {
		build.Critical("painter: pool.New failed with non-nil factory/reset:", err)
	}
	return &Painter{
		pane:      p,
		ref:       ref,
		transport: transport,
		sink:      sink,
		bufPool:   bufPool,
		opts:      opts,
	}
}

func (pt *Painter) emit(kind EventKind, chunkIndex uint32, payload any) {
	if pt.sink != nil {
		pt.sink.Emit(kind, chunkIndex, payload)
	}
}

// PlanTransfers computes the maximal runs of missing, not-already-in-flight
// chunks in [lo, hi), split to respect Options.MaxTransferSize. It performs
// no I/O and claims no chunks; Paint calls it, then claims the chunks of
// each run before starting work.
func (pt *Painter) PlanTransfers(lo, hi uint32) ([]NodeTransfer, error) {
	geom := pt.pane.Geometry()
	if hi > geom.TotalChunks() || lo > hi {
		return nil, errors.AddContext(ErrInvalidArg, "painter: range out of bounds")
	}

	var transfers []NodeTransfer
	var runStart uint32
	inRun := false

	flush := func(end uint32) error {
		if !inRun {
			return nil
		}
		inRun = false
		a, err := geom.Boundary(runStart)
		if err != nil {
			return err
		}
		b, err := geom.Boundary(end - 1)
		if err != nil {
			return err
		}
		transfers = append(transfers, pt.splitRun(geom, a.Start, b.End)...)
		return nil
	}

	for i := lo; i < hi; i++ {
		missing := !pt.pane.IsChunkIntact(i) && !pt.isClaimed(i)
		if missing && !inRun {
			runStart = i
			inRun = true
		} else if !missing && inRun {
			if err := flush(i); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(hi); err != nil {
		return nil, err
	}
	return transfers, nil
}

// splitRun breaks [start, end) into one or more transfers, each no longer
// than MaxTransferSize, splitting only at chunk boundaries.
func (pt *Painter) splitRun(geom geometry.Geometry, start, end uint64) []NodeTransfer {
	if pt.opts.MaxTransferSize == 0 || end-start <= pt.opts.MaxTransferSize {
		return []NodeTransfer{{Start: start, End: end}}
	}
	var out []NodeTransfer
	cur := start
	for cur < end {
		lim := cur + pt.opts.MaxTransferSize
		if lim > end {
			lim = end
		}
		c, err := geom.ChunkForPosition(lim - 1)
		if err != nil {
			out = append(out, NodeTransfer{Start: cur, End: end})
			break
		}
		b, err := geom.Boundary(c)
		if err != nil {
			out = append(out, NodeTransfer{Start: cur, End: end})
			break
		}
		splitEnd := b.End
		if splitEnd <= cur {
			splitEnd = lim
		}
		out = append(out, NodeTransfer{Start: cur, End: splitEnd})
		cur = splitEnd
	}
	return out
}

func (pt *Painter) isClaimed(i uint32) bool {
	_, ok := pt.inFlight.Load(i)
	return ok
}

func (pt *Painter) claim(lo, hi uint32) {
	for i := lo; i < hi; i++ {
		pt.inFlight.Store(i, struct{}{})
	}
}

func (pt *Painter) release(lo, hi uint32) {
	for i := lo; i < hi; i++ {
		pt.inFlight.Delete(i)
	}
}

// Paint downloads and verifies every currently-missing chunk overlapping
// the byte range [start, end), resolving once each chunk in range has
// either been verified successfully or had its run's download budget
// exhausted. A zero-length or fully-intact range resolves immediately with
// no transport calls and no events.
func (pt *Painter) Paint(ctx context.Context, start, end uint64) error {
	if err := pt.tg.Add(); err != nil {
		return errors.AddContext(err, "painter: painter is closed")
	}
	defer pt.tg.Done()

	geom := pt.pane.Geometry()
	if start >= end {
		return nil
	}
	total := geom.TotalSize()
	if end > total {
		end = total
	}
	if start >= end {
		return nil
	}
	cLo, err := geom.ChunkForPosition(start)
	if err != nil {
		return err
	}
	cHi, err := geom.ChunkForPosition(end - 1)
	if err != nil {
		return err
	}

	transfers, err := pt.PlanTransfers(cLo, cHi+1)
	if err != nil {
		return err
	}
	if len(transfers) == 0 {
		return nil
	}

	pt.emit(PaintStart, cLo, nil)
	defer pt.emit(PaintDone, cHi, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pt.opts.MaxConcurrentRuns)
	for _, tr := range transfers {
		tr := tr
		lo, err := geom.ChunkForPosition(tr.Start)
		if err != nil {
			return err
		}
		hi, err := geom.ChunkForPosition(tr.End - 1)
		if err != nil {
			return err
		}
		hi++
		pt.claim(lo, hi)
		g.Go(func() error {
			defer pt.release(lo, hi)
			return pt.runTransfer(gctx, tr)
		})
	}
	return g.Wait()
}

// runTransfer downloads one run with retry, then splits and submits each
// chunk within it. A verify failure on one chunk does not prevent the
// others in the run from being submitted.
func (pt *Painter) runTransfer(ctx context.Context, tr NodeTransfer) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-pt.tg.StopChan():
		return errors.New("painter: stopped")
	default:
	}

	geom := pt.pane.Geometry()
	lo, err := geom.ChunkForPosition(tr.Start)
	if err != nil {
		return err
	}

	data, err := pt.downloadWithRetry(ctx, tr, lo)
	if err != nil {
		return nil // DownloadFailed was surfaced via events; run's chunks stay missing.
	}

	offset := uint64(0)
	hi, err := geom.ChunkForPosition(tr.End - 1)
	if err != nil {
		return err
	}
	for i := lo; i <= hi; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pt.tg.StopChan():
			return errors.New("painter: stopped")
		default:
		}
		b, err := geom.Boundary(i)
		if err != nil {
			return err
		}
		chunkLen := b.Size()
		if offset+chunkLen > uint64(len(data)) {
			return errors.AddContext(ErrInvalidArg, "painter: transport returned a short read")
		}
		scoped, err := pt.bufPool.Borrow()
		if err != nil {
			return err
		}
		buf, err := scoped.Value()
		if err != nil {
			return err
		}
		n := copy(buf, data[offset:offset+chunkLen])
		chunkBytes := buf[:n]
		offset += chunkLen

		pt.emit(ChunkVerifyStart, i, nil)
		if verr := pt.checkAgainstRef(i, chunkBytes); verr != nil {
			scoped.Release()
			pt.emit(ChunkVerifyFail, i, VerifyPayload{Err: verr})
			if pt.opts.Logger != nil {
				pt.opts.Logger.Println("CHUNK_VFY_FAIL:", i, verr)
			}
			continue
		}
		err = pt.pane.SubmitChunk(i, chunkBytes)
		scoped.Release()
		if err != nil {
			pt.emit(ChunkVerifyFail, i, VerifyPayload{Err: err})
			if pt.opts.Logger != nil {
				pt.opts.Logger.Println("CHUNK_VFY_FAIL:", i, err)
			}
			continue
		}
		pt.emit(ChunkVerifyOK, i, VerifyPayload{})
	}
	return nil
}

// checkAgainstRef hashes a downloaded chunk and compares it to the
// painter's own copy of the reference tree, before the chunk ever reaches
// pane.SubmitChunk. This catches a corrupt or malicious transport without
// spending a disk write on it; SubmitChunk still performs its own
// independent check against the pane's reference tree, so a mismatch here
// is belt-and-suspenders rather than the only verification path.
func (pt *Painter) checkAgainstRef(i uint32, data []byte) error {
	want, err := pt.ref.LeafHash(i)
	if err != nil {
		return err
	}
	if crypto.HashBytes(data) != want {
		return errors.AddContext(pane.ErrVerifyFailed, "painter: downloaded chunk does not match reference tree")
	}
	return nil
}

// downloadWithRetry calls the transport with exponential backoff and
// jitter, up to Options.MaxAttempts.
func (pt *Painter) downloadWithRetry(ctx context.Context, tr NodeTransfer, leadChunk uint32) ([]byte, error) {
	var lastErr error
	delay := pt.opts.BaseDelay
	for attempt := 1; attempt <= pt.opts.MaxAttempts; attempt++ {
		pt.emit(ChunkDownloadStart, leadChunk, DownloadPayload{Run: tr, Attempt: attempt})
		data, err := pt.transport.DownloadRange(ctx, tr.Start, tr.End-tr.Start)
		if err == nil {
			pt.emit(ChunkDownloadOK, leadChunk, DownloadPayload{Run: tr, Attempt: attempt})
			return data, nil
		}
		lastErr = err
		pt.emit(ChunkDownloadFail, leadChunk, DownloadPayload{Run: tr, Attempt: attempt, Err: err})

		if attempt == pt.opts.MaxAttempts {
			break
		}
		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay/2+1)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jittered):
		}
		delay *= 2
		if delay > pt.opts.MaxDelay {
			delay = pt.opts.MaxDelay
		}
	}
	if pt.opts.Logger != nil {
		pt.opts.Logger.Println("DOWNLOAD_EXHAUSTED:", tr, lastErr)
	}
	return nil, errors.Compose(ErrDownloadFailed, errors.AddContext(lastErr, "painter: exhausted retry budget"))
}

// Close stops accepting new Paint calls, waits for in-flight work to
// finish, and releases pooled buffers.
func (pt *Painter) Close() error {
	if err := pt.tg.Stop(); err != nil {
		return errors.AddContext(err, "painter: could not stop thread group")
	}
	pt.bufPool.Clear()
	return nil
}
