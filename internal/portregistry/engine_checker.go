package portregistry

import (
	"context"

	"github.com/dyad-run/clc/internal/dockerengine"
)

// EngineChecker adapts a dockerengine.Engine to HostPortChecker via
// FindByPort, so port availability is always answered from the
// engine's own view rather than a host socket probe.
type EngineChecker struct {
	Engine dockerengine.Engine
}

var _ HostPortChecker = EngineChecker{}

func (c EngineChecker) PortInUse(ctx context.Context, port int) (bool, error) {
	occupants, err := c.Engine.FindByPort(ctx, port)
	if err != nil {
		return false, err
	}
	return len(occupants) > 0, nil
}
