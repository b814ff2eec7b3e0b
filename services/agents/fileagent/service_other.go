//go:build !windows

package fileagent

import "context"

// RunService runs s in the foreground; service control only exists on Windows.
func RunService(ctx context.Context, _ string, s *Service) error {
	return s.Run(ctx)
}
