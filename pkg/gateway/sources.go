package gateway

import (
	"context"
	"errors"
	"fmt"
)

// startSources runs every source in its own goroutine. A source that stops
// with an error other than cancellation reports it on errCh.
func (s *Service) startSources(ctx context.Context, errCh chan<- error) {
	for _, source := range s.sources {
		s.setSourceState(source.Name(), sourceState{Running: true})

		go func() {
			s.log.Info("Membership source started", "source", source.Name())
			err := source.Run(ctx, s.session)
			s.setSourceState(source.Name(), sourceState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s source: %w", source.Name(), err)
				return
			}
			s.log.Info("Membership source stopped", "source", source.Name())
		}()
	}
}

func (s *Service) setSourceState(name string, state sourceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourceStates[name] = state
}
