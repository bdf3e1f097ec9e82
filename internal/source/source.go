// Package source defines upstream message sources and fans them into one queue.
package source

import (
	"context"
	"sync"

	"github.com/rewired-gh/floworacle/internal/logger"
	"github.com/rewired-gh/floworacle/internal/models"
)

// Source delivers raw feed messages until its context is cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- models.RawMessage) error
}

// RunAll runs every source against the shared queue and returns when all of them
// have stopped. A failing source is logged and does not stop the others.
func RunAll(ctx context.Context, sources []Source, out chan<- models.RawMessage) {
	var wg sync.WaitGroup
	for _, s := range sources {
		wg.Add(1)
		go func(s Source) {
			defer wg.Done()
			if err := s.Run(ctx, out); err != nil && ctx.Err() == nil {
				logger.Error("Source %s stopped: %v", s.Name(), err)
			}
		}(s)
	}
	wg.Wait()
}

// Static replays a fixed list of messages and then waits for cancellation.
type Static struct {
	Messages []models.RawMessage
}

// Name identifies the source.
func (s *Static) Name() string { return "static" }

// Run sends every message then blocks until ctx is done.
func (s *Static) Run(ctx context.Context, out chan<- models.RawMessage) error {
	for _, m := range s.Messages {
		select {
		case out <- m:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}
