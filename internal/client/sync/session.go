package sync

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"

	"golang.org/x/sync/errgroup"

	"github.com/iudanet/fieldsync/internal/client/remote"
	"github.com/iudanet/fieldsync/internal/models"
)

// ErrSessionRunning возвращается при повторном Start
var ErrSessionRunning = errors.New("session already running")

// EventSink consumes remote change events in arrival order
type EventSink interface {
	Run(ctx context.Context, events <-chan models.RemoteChangeEvent) error
}

// Session runs the drain loop and the watch consumer under one cancellable scope.
// When either fails the other is stopped too.
type Session struct {
	engine  *Engine
	gateway remote.Gateway
	sink    EventSink
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	scope   remote.Scope
	mu      gosync.Mutex
}

// NewSession creates a stopped session for one survey scope
func NewSession(engine *Engine, gw remote.Gateway, sink EventSink, scope remote.Scope, logger *slog.Logger) *Session {
	return &Session{
		engine:  engine,
		gateway: gw,
		sink:    sink,
		scope:   scope,
		logger:  logger,
	}
}

// Start launches the session in the background
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return ErrSessionRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.engine.Run(gctx)
	})
	g.Go(func() error {
		events, err := s.gateway.Watch(gctx, s.scope)
		if err != nil {
			return err
		}
		return s.sink.Run(gctx, events)
	})

	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	go func() {
		err := g.Wait()
		cancel()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			s.logger.Error("Sync session stopped", "error", err)
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(done)
	}()

	s.logger.Info("Sync session started", "survey_id", s.scope.SurveyID)
	return nil
}

// Done is closed when the session has ended
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Stop cancels the session and waits for it to end. Results of a commit
// still in flight are discarded; the mutations stay queued.
func (s *Session) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}

	s.engine.invalidate()
	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.cancel, s.done, s.err = nil, nil, nil
	return err
}

// Wait blocks until the session ends on its own or ctx is done
func (s *Session) Wait(ctx context.Context) error {
	done := s.Done()
	if done == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
