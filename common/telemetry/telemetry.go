// Package telemetry exposes the pprof endpoint for live profiling of
// orchestrator processes. Scheduling pathologies (a loop re-enqueueing
// too eagerly, a worker stuck in a component) show up here first.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/lyzr/flowmesh/common/logger"
)

// Telemetry owns the observability listeners.
type Telemetry struct {
	log       *logger.Logger
	pprofAddr string
}

// New creates the telemetry component. The listener binds to localhost
// only; profiling is reached through port-forwarding, never exposed.
func New(pprofPort int, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:       log,
		pprofAddr: fmt.Sprintf("localhost:%d", pprofPort),
	}
}

// Start brings the pprof server up in the background. Listener errors are
// logged, not returned: profiling being down never takes the service with
// it.
func (t *Telemetry) Start(ctx context.Context) error {
	go func() {
		t.log.Info("pprof server starting", "addr", t.pprofAddr)
		if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
			t.log.Error("pprof server error", "error", err)
		}
	}()
	return nil
}
