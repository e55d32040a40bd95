//go:build !leakcheck

package maininstance

import (
	"github.com/joeycumines/logiface"
)

// leakCheck is only implemented for builds tagged leakcheck.
func leakCheck(*logiface.Logger[logiface.Event]) func() { return func() {} }
