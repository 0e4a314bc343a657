package utils

import (
	"context"
	"os"
	"time"
)

// PollUntilExists waits for a file to appear on disk, polling at the given
// interval until the context is cancelled. Used to detect a hypervisor's
// control socket coming up after process start.
func PollUntilExists(ctx context.Context, path string, pollEvery time.Duration) error {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
