//go:build windows

package fileagent

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/windows/svc"
)

// RunService runs s under the Service Control Manager when started as a
// Windows service, and in the foreground otherwise.
func RunService(ctx context.Context, name string, s *Service) error {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return fmt.Errorf("detecting service environment: %w", err)
	}
	if !isService {
		return s.Run(ctx)
	}
	return svc.Run(name, &program{ctx: ctx, svc: s})
}

type program struct {
	ctx context.Context
	svc *Service
}

func (p *program) Execute(_ []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown
	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.svc.Run(ctx) }()

	changes <- svc.Status{State: svc.Running, Accepts: accepted}

	for {
		select {
		case err := <-done:
			changes <- svc.Status{State: svc.StopPending}
			if err != nil && !errors.Is(err, context.Canceled) {
				p.svc.logger.Error().Err(err).Msg("agent stopped")
				return false, 1
			}
			return false, 0
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				changes <- svc.Status{State: svc.StopPending}
				cancel()
				<-done
				return false, 0
			default:
			}
		}
	}
}
