// Package sweeper expires uploads that stopped receiving chunks.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/moyoez/chunkrecv/storage"
	"github.com/moyoez/chunkrecv/tool"
)

const (
	DefaultInterval = 10 * time.Minute
	DefaultMaxIdle  = 24 * time.Hour
)

// Abandoner is satisfied by *receiver.Coordinator.
type Abandoner interface {
	Abandon(ctx context.Context, uploadID string) error
}

type Options struct {
	Interval        time.Duration
	MaxIdle         time.Duration
	PurgesPerSecond float64 // 0 means unthrottled
	Logger          *log.Logger
	Now             func() time.Time
}

// Sweeper abandons uploads whose newest chunk is older than MaxIdle.
type Sweeper struct {
	lister    storage.SessionLister
	abandoner Abandoner
	limiter   *rate.Limiter
	interval  time.Duration
	maxIdle   time.Duration
	logger    *log.Logger
	now       func() time.Time
}

func New(lister storage.SessionLister, abandoner Abandoner, opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = DefaultMaxIdle
	}
	if opts.Logger == nil {
		opts.Logger = tool.DefaultLogger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.PurgesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.PurgesPerSecond), 1)
	}
	return &Sweeper{
		lister:    lister,
		abandoner: abandoner,
		limiter:   limiter,
		interval:  opts.Interval,
		maxIdle:   opts.MaxIdle,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// Sweep runs one pass and returns how many uploads were abandoned.
// A failed abandon is logged and the pass continues; the errors are joined.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	sessions, err := s.lister.Sessions(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.maxIdle)
	var (
		abandoned int
		errs      []error
	)
	for _, info := range sessions {
		if !info.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return abandoned, errors.Join(append(errs, err)...)
		}
		if err := s.abandoner.Abandon(ctx, info.UploadID); err != nil {
			s.logger.Warnf("[Sweep] Failed to abandon %s: %v", info.UploadID, err)
			errs = append(errs, err)
			continue
		}
		abandoned++
		s.logger.Infof("[Sweep] Abandoned %s (%d chunks, %s, idle since %s)",
			info.UploadID, info.Chunks, tool.HumanSize(info.Bytes), info.UpdatedAt.Format(time.DateTime))
	}
	return abandoned, errors.Join(errs...)
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Errorf("[Sweep] %v", err)
			}
			if n > 0 {
				s.logger.Infof("[Sweep] %d idle uploads abandoned", n)
			}
		}
	}
}
