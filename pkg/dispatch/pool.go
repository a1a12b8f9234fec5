package dispatch

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/orneryd/mosaicdb/pkg/kv"
	"github.com/orneryd/mosaicdb/pkg/logging"
	"github.com/orneryd/mosaicdb/pkg/pool"
	"github.com/orneryd/mosaicdb/pkg/ppr"
	"github.com/orneryd/mosaicdb/pkg/storage"
	"github.com/orneryd/mosaicdb/pkg/traversal"
)

// Options configures a Pool.
type Options struct {
	// Readers is the number of reader goroutines. Must be even and >= 2.
	// Default: 2 × GOMAXPROCS.
	Readers int

	// MaxInflightIO bounds concurrent IoNeeded fetches. Default: 64.
	MaxInflightIO int64

	// APIKey, when set, must match every request's key.
	APIKey string

	// MCPEnabled routes KindMCP requests to the MCP handler table.
	MCPEnabled bool

	// PPRCache is handed to traversals started by handlers.
	PPRCache *ppr.Cache

	// Services is handed to handlers as Input.Services.
	Services any

	Logger *logrus.Entry
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		Readers:       2 * runtime.GOMAXPROCS(0),
		MaxInflightIO: 64,
		MCPEnabled:    true,
	}
}

// Stats are the pool counters.
type Stats struct {
	Reads         uint64 `json:"reads"`
	Writes        uint64 `json:"writes"`
	Continuations uint64 `json:"continuations"`
	Dropped       uint64 `json:"dropped"`
	Errors        uint64 `json:"errors"`
}

// job is one in-flight request.
type job struct {
	ctx   context.Context
	req   Request
	h     Handler
	ret   chan Response
	arena *pool.Arena
	once  sync.Once
}

// readWork is a request or a continuation waiting for a reader.
type readWork struct {
	job  *job
	step Continuation
}

// writeWork is a write request, or an internal write fn from Update.
type writeWork struct {
	job  *job
	fn   func(txn *kv.Txn) error
	done chan error
}

// Pool dispatches requests to reader goroutines and the single writer.
type Pool struct {
	engine *storage.Engine
	prog   *Program
	opts   Options
	log    *logrus.Entry

	requests chan readWork
	conts    chan readWork
	writes   chan writeWork
	ioSem    *semaphore.Weighted
	ioWG     sync.WaitGroup

	mu      sync.Mutex
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool

	reads, writeCount, continuations, dropped, errs atomic.Uint64
}

// NewPool creates a pool for prog. Call Start before Do.
func NewPool(engine *storage.Engine, prog *Program, opts Options) (*Pool, error) {
	def := DefaultOptions()
	if opts.Readers == 0 {
		opts.Readers = def.Readers
	}
	if opts.Readers < 2 || opts.Readers%2 != 0 {
		return nil, fmt.Errorf("%w: reader count %d must be even and >= 2", storage.ErrInvalidInput, opts.Readers)
	}
	if opts.MaxInflightIO <= 0 {
		opts.MaxInflightIO = def.MaxInflightIO
	}
	if opts.Logger == nil {
		opts.Logger = logging.For("dispatch")
	}
	if prog == nil {
		prog = &Program{}
	}
	return &Pool{
		engine:   engine,
		prog:     prog,
		opts:     opts,
		log:      opts.Logger,
		requests: make(chan readWork),
		conts:    make(chan readWork, opts.Readers),
		writes:   make(chan writeWork),
		ioSem:    semaphore.NewWeighted(opts.MaxInflightIO),
	}, nil
}

// Start launches the workers. They stop when ctx is cancelled or Close is
// called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running.Load() {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	p.group, p.ctx = g, gctx
	for i := range p.opts.Readers {
		g.Go(func() error { return p.reader(gctx, i) })
	}
	g.Go(func() error { return p.writer(gctx) })
	p.running.Store(true)
	p.log.WithFields(logrus.Fields{"readers": p.opts.Readers}).Info("dispatch pool started")
}

// Close stops the workers and waits for in-flight fetches.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running.Swap(false) {
		return nil
	}
	p.cancel()
	err := p.group.Wait()
	p.ioWG.Wait()
	return err
}

// Stats returns the counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Reads:         p.reads.Load(),
		Writes:        p.writeCount.Load(),
		Continuations: p.continuations.Load(),
		Dropped:       p.dropped.Load(),
		Errors:        p.errs.Load(),
	}
}

// Do runs req and waits for its response. Cancelling ctx abandons the
// request: a write already running still commits or aborts on its own.
func (p *Pool) Do(ctx context.Context, req Request) Response {
	if !p.running.Load() {
		return Response{Err: ToError(ErrPoolClosed)}
	}
	if p.opts.APIKey != "" && subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(p.opts.APIKey)) != 1 {
		return Response{Err: ErrInvalidAPIKey}
	}
	h, write, err := p.prog.lookup(req, p.opts.MCPEnabled)
	if err != nil {
		return Response{Err: ToError(err)}
	}

	j := &job{ctx: ctx, req: req, h: h, ret: make(chan Response, 1), arena: pool.NewArena()}
	if write {
		err = p.submitWrite(ctx, writeWork{job: j})
	} else {
		err = send(ctx, p.ctx, p.requests, readWork{job: j, step: Continuation(h)})
	}
	if err != nil {
		j.arena.Release()
		return Response{Err: ToError(err)}
	}

	select {
	case r := <-j.ret:
		return r
	case <-ctx.Done():
		return Response{Err: ToError(ctx.Err())}
	case <-p.ctx.Done():
		return Response{Err: ToError(ErrPoolClosed)}
	}
}

// DoFrame decodes a request frame, runs it and encodes the response.
func (p *Pool) DoFrame(ctx context.Context, frame []byte) []byte {
	req, err := UnmarshalRequest(frame)
	if err != nil {
		return MarshalResponse(Response{Err: &Error{Code: CodeGraphError, Message: err.Error()}})
	}
	return MarshalResponse(p.Do(ctx, req))
}

// View runs fn in a read transaction.
func (p *Pool) View(fn func(txn *kv.Txn) error) error {
	return p.engine.View(fn)
}

// Update runs fn in a write transaction on the writer goroutine.
func (p *Pool) Update(fn func(txn *kv.Txn) error) error {
	if !p.running.Load() {
		return ErrPoolClosed
	}
	w := writeWork{fn: fn, done: make(chan error, 1)}
	if err := p.submitWrite(context.Background(), w); err != nil {
		return err
	}
	select {
	case err := <-w.done:
		return err
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

func (p *Pool) submitWrite(ctx context.Context, w writeWork) error {
	return send(ctx, p.ctx, p.writes, w)
}

func send[T any](ctx, poolCtx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-poolCtx.Done():
		return ErrPoolClosed
	}
}

// =============================================================================
// Workers
// =============================================================================

// reader alternates between new requests and continuations. Even readers
// look at requests first, odd readers at continuations first.
func (p *Pool) reader(ctx context.Context, idx int) error {
	first, second := p.requests, p.conts
	if idx%2 == 1 {
		first, second = second, first
	}
	for {
		var w readWork
		select {
		case w = <-first:
		default:
			select {
			case w = <-second:
			default:
				select {
				case w = <-first:
				case w = <-second:
				case <-ctx.Done():
					return nil
				}
			}
		}
		p.runRead(ctx, w)
	}
}

func (p *Pool) runRead(ctx context.Context, w readWork) {
	j := w.job
	if j.ctx.Err() != nil {
		p.finish(j, nil, j.ctx.Err())
		return
	}
	p.reads.Add(1)
	out, err := p.runInTxn(j, false, w.step)
	var io *IoNeeded
	if errors.As(err, &io) {
		p.startIO(ctx, j, io, func(c Continuation) {
			if err := send(j.ctx, ctx, p.conts, readWork{job: j, step: c}); err != nil {
				p.finish(j, nil, err)
			}
		})
		return
	}
	p.finish(j, out, err)
}

func (p *Pool) writer(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case w := <-p.writes:
			p.runWrite(ctx, w)
		}
	}
}

// runWrite runs one write request to completion, continuations included.
func (p *Pool) runWrite(ctx context.Context, w writeWork) {
	p.writeCount.Add(1)
	if w.fn != nil {
		w.done <- p.engine.Update(w.fn)
		return
	}

	j := w.job
	conts := make(chan Continuation, 1)
	step := Continuation(j.h)
	for {
		if j.ctx.Err() != nil {
			p.finish(j, nil, j.ctx.Err())
			return
		}
		out, err := p.runInTxn(j, true, step)
		var io *IoNeeded
		if !errors.As(err, &io) {
			p.finish(j, out, err)
			return
		}
		p.startIO(ctx, j, io, func(c Continuation) { conts <- c })
		select {
		case step = <-conts:
		case <-ctx.Done():
			p.finish(j, nil, ErrPoolClosed)
			return
		}
	}
}

// runInTxn runs step under a fresh transaction. An IoNeeded return discards
// the transaction.
func (p *Pool) runInTxn(j *job, write bool, step Continuation) ([]byte, error) {
	run := p.engine.View
	if write {
		run = p.engine.Update
	}
	var out []byte
	err := run(func(txn *kv.Txn) error {
		opts := []traversal.Option{traversal.WithArena(j.arena)}
		if p.opts.PPRCache != nil {
			opts = append(opts, traversal.WithPPRCache(p.opts.PPRCache))
		}
		in := &Input{
			Ctx:      j.ctx,
			Name:     j.req.Name,
			Body:     j.req.Body,
			Engine:   p.engine,
			Txn:      txn,
			Arena:    j.arena,
			G:        traversal.New(p.engine, txn, opts...),
			Services: p.opts.Services,
		}
		var err error
		out, err = step(in)
		return err
	})
	return out, err
}

// startIO runs the fetch of io outside any transaction and posts the
// resulting continuation. A failed fetch posts a continuation that fails.
func (p *Pool) startIO(ctx context.Context, j *job, io *IoNeeded, post func(Continuation)) {
	if err := p.ioSem.Acquire(ctx, 1); err != nil {
		p.finish(j, nil, ErrPoolClosed)
		return
	}
	p.continuations.Add(1)
	p.ioWG.Add(1)
	go func() {
		defer p.ioWG.Done()
		defer p.ioSem.Release(1)
		var (
			cont Continuation
			err  error
		)
		if io.Fetch == nil {
			err = fmt.Errorf("%w: io needed without fetch", storage.ErrInternal)
		} else {
			cont, err = io.Fetch(j.ctx)
		}
		if err == nil && cont == nil {
			err = fmt.Errorf("%w: fetch returned no continuation", storage.ErrInternal)
		}
		if err != nil {
			cont = func(*Input) ([]byte, error) { return nil, err }
		}
		post(cont)
	}()
}

// finish delivers the result of j once and releases its arena. A caller
// that went away gets nothing.
func (p *Pool) finish(j *job, out []byte, err error) {
	j.once.Do(func() {
		defer j.arena.Release()
		if j.ctx.Err() != nil {
			p.dropped.Add(1)
			p.log.WithFields(logrus.Fields{
				"request": j.req.Name,
				"kind":    j.req.Kind.String(),
			}).Debug("return channel dropped, discarding result")
			return
		}
		if err != nil {
			p.errs.Add(1)
			j.ret <- Response{Err: ToError(err)}
			return
		}
		j.ret <- Response{OK: out}
	})
}
