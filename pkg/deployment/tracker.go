package deployment

import (
	"time"

	"github.com/go-kit/kit/log"
)

// TrackPendingOperation logs that an operation is still going, every
// interval, until done is closed. It returns at once; nothing waits
// for the tracking to finish.
func TrackPendingOperation(done <-chan struct{}, interval time.Duration, logger log.Logger, keyvals ...interface{}) {
	started := time.Now()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				logger.Log(append([]interface{}{"info", "operation pending", "elapsed", time.Since(started).Round(time.Second).String()}, keyvals...)...)
			}
		}
	}()
}
