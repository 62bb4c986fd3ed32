package scorer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/nfiq2-service/internal/logging"
	"github.com/example/nfiq2-service/internal/nfiq2"
)

// Scorer computes NFIQ2 quality for an encoded image.
type Scorer interface {
	Score(ctx context.Context, image []byte) (*nfiq2.Result, error)
}

// HandleFactory opens one native context.
type HandleFactory func() (*nfiq2.Handle, error)

// Pool scores images on a fixed set of native contexts. Each context is used
// by one call at a time.
type Pool struct {
	handles        chan *nfiq2.Handle
	all            []*nfiq2.Handle
	acquireTimeout time.Duration
	logger         *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPool opens size contexts. If any of them fails, the ones already
// opened are closed and the error is returned.
func NewPool(size int, factory HandleFactory, acquireTimeout time.Duration, logger *zap.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	p := &Pool{
		handles:        make(chan *nfiq2.Handle, size),
		acquireTimeout: acquireTimeout,
		logger:         logger.Named("scorer_pool"),
		closed:         make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		h, err := factory()
		if err != nil {
			p.logger.Error("failed to open nfiq2 context", zap.Int("index", i), zap.Error(err))
			p.closeHandles()
			return nil, err
		}
		p.all = append(p.all, h)
		p.handles <- h
	}
	p.logger.Info("nfiq2 pool ready", zap.Int("size", size))
	return p, nil
}

// Score waits for a free context and scores image on it. Waiting honors ctx
// and the acquire timeout; the native call itself runs to completion.
func (p *Pool) Score(ctx context.Context, image []byte) (*nfiq2.Result, error) {
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	var h *nfiq2.Handle
	select {
	case <-p.closed:
		return nil, nfiq2.ErrNullContext
	case <-ctx.Done():
		return nil, logging.NewOperationError("scorer.acquire", "", ctx.Err())
	case h = <-p.handles:
	}
	defer func() { p.handles <- h }()

	start := time.Now()
	res, err := h.Compute(image)
	if err != nil {
		p.logger.Debug("nfiq2 compute failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, err
	}
	return res, nil
}

// Size returns the number of contexts in the pool.
func (p *Pool) Size() int {
	return len(p.all)
}

// Idle returns the number of contexts not currently scoring.
func (p *Pool) Idle() int {
	return len(p.handles)
}

// Close releases every native context. Calls in flight finish first; later
// calls fail with NullContext.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.closeHandles()
		p.logger.Info("nfiq2 pool closed")
	})
	return err
}

func (p *Pool) closeHandles() error {
	var errs []error
	for _, h := range p.all {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
