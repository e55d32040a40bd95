//go:build leakcheck

package maininstance

import (
	"github.com/joeycumines/logiface"
	"go.uber.org/goleak"
)

// leakCheck snapshots the running goroutines, returning a func that reports
// any started since that are still running.
func leakCheck(logger *logiface.Logger[logiface.Event]) func() {
	ignore := goleak.IgnoreCurrent()
	return func() {
		if err := goleak.Find(ignore); err != nil {
			logger.Err().
				Err(err).
				Log(`leak check failed`)
		}
	}
}
