package transport

import (
	"context"
	"sync"
	"time"

	"relay/internal/logging"
)

const defaultCooldown = 30 * time.Second

// Selector routes exchanges to the preferred transport. A connect-phase
// failure on the socket marks it unavailable for a cooldown window; during
// the window every exchange goes to the stream fallback, and the failing
// exchange itself is retried there instead of surfacing the connect error.
type Selector struct {
	socket   Carrier
	stream   Carrier
	cooldown time.Duration
	logger   logging.Logger
	now      func() time.Time

	mu              sync.Mutex
	preferStream    bool
	socketDownUntil time.Time
}

type SelectorOptions struct {
	Socket   Carrier
	Stream   Carrier
	Cooldown time.Duration
	// PreferStream pins the fallback transport, e.g. from a persisted
	// transport preference flag.
	PreferStream bool
	Logger       logging.Logger
	Now          func() time.Time
}

func NewSelector(opts SelectorOptions) *Selector {
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Selector{
		socket:       opts.Socket,
		stream:       opts.Stream,
		cooldown:     opts.Cooldown,
		preferStream: opts.PreferStream,
		logger:       opts.Logger,
		now:          opts.Now,
	}
}

// Active names the transport the next exchange would use.
func (s *Selector) Active() string {
	return s.pick().Name()
}

func (s *Selector) Request(ctx context.Context, req OutboundRequest, onFrame FrameHandler) error {
	carrier := s.pick()
	err := carrier.Request(ctx, req, onFrame)
	if s.shouldFallback(carrier, err) {
		return s.stream.Request(ctx, req, onFrame)
	}
	return err
}

func (s *Selector) Watch(ctx context.Context, req OutboundRequest, onFrame FrameHandler) error {
	carrier := s.pick()
	err := carrier.Watch(ctx, req, onFrame)
	if s.shouldFallback(carrier, err) {
		return s.stream.Watch(ctx, req, onFrame)
	}
	return err
}

func (s *Selector) Notify(ctx context.Context, req OutboundRequest) error {
	carrier := s.pick()
	err := carrier.Notify(ctx, req)
	if s.shouldFallback(carrier, err) {
		return s.stream.Notify(ctx, req)
	}
	return err
}

func (s *Selector) pick() Carrier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preferStream || s.socket == nil {
		return s.stream
	}
	if s.now().Before(s.socketDownUntil) {
		return s.stream
	}
	return s.socket
}

func (s *Selector) shouldFallback(carrier Carrier, err error) bool {
	if err == nil || carrier != s.socket || s.stream == nil {
		return false
	}
	if !IsConnect(err) {
		return false
	}
	s.mu.Lock()
	s.socketDownUntil = s.now().Add(s.cooldown)
	s.mu.Unlock()
	s.logger.Warn("socket unavailable, falling back to stream transport",
		logging.F("cooldown", s.cooldown),
		logging.F("error", err),
	)
	return true
}
