// Package orchestrator wires every long-running component into one
// github.com/thejerf/suture/v4 supervision tree: the HTTP control
// surface, the mobile ingest server, the thumbnail scheduler, and the
// WebSocket broadcaster's channel workers. This generalizes the
// original's ad hoc Video._data global-singleton model into one
// Erlang-style supervisor, started leaf-first and torn down on context
// cancellation.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// Service is anything that runs until its context is canceled, the shape
// every component in this repository already exposes as Run(ctx) error.
type Service interface {
	Run(ctx context.Context) error
}

// namedService adapts a Service's Run method to suture's Serve contract
// and gives it a name for logging, since none of our components are
// suture-aware themselves.
type namedService struct {
	name string
	svc  Service
}

func (n namedService) Serve(ctx context.Context) error { return n.svc.Run(ctx) }
func (n namedService) String() string                  { return n.name }

// Orchestrator owns the root suture.Supervisor.
type Orchestrator struct {
	sup *suture.Supervisor
	log zerolog.Logger
}

// New builds an Orchestrator whose supervisor restarts a failed service
// right away and, once failures cross a threshold of five, backs off for
// one second before the next restart.
func New(log zerolog.Logger) *Orchestrator {
	o := &Orchestrator{log: log.With().Str("component", "orchestrator").Logger()}
	o.sup = suture.New("dynstream", suture.Spec{
		EventHook:        o.logEvent,
		FailureThreshold: 5,
		FailureBackoff:   time.Second,
	})
	return o
}

// Add registers svc under name, to be started when Run is called. Add
// services in dependency order, leaves first, as spec.md §2's component
// table lists them: this governs suture's startup order for its initial
// batch of children.
func (o *Orchestrator) Add(name string, svc Service) {
	o.sup.Add(namedService{name: name, svc: svc})
}

// Run starts every added service and blocks until ctx is canceled. The
// cancellation reaches every service's context at the same moment; no
// shutdown order among the services is imposed.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info().Msg("orchestrator: starting supervision tree")
	err := o.sup.Serve(ctx)
	o.log.Info().Msg("orchestrator: supervision tree stopped")
	return err
}

func (o *Orchestrator) logEvent(ev suture.Event) {
	switch ev.Type() {
	case suture.EventTypeServiceTerminate:
		o.log.Warn().Str("event", ev.String()).Msg("orchestrator: service terminated")
	case suture.EventTypeServicePanic:
		o.log.Error().Str("event", ev.String()).Msg("orchestrator: service panicked")
	case suture.EventTypeBackoff:
		o.log.Warn().Str("event", ev.String()).Msg("orchestrator: entering backoff")
	case suture.EventTypeResume:
		o.log.Info().Str("event", ev.String()).Msg("orchestrator: resuming after backoff")
	default:
		o.log.Debug().Str("event", fmt.Sprint(ev)).Msg("orchestrator: event")
	}
}
