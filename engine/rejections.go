package engine

import (
	"github.com/dop251/goja"
	maininstance "github.com/joeycumines/goja-maininstance"
)

// rejectionTracker records promises rejected without a handler, until they
// are either handled, or reported once the current task completes.
type rejectionTracker struct {
	pending  []*goja.Promise
	reported map[*goja.Promise]struct{}
}

func (x *rejectionTracker) init() {
	x.reported = make(map[*goja.Promise]struct{})
}

// take returns and clears the pending rejections, marking them reported.
func (x *rejectionTracker) take() []*goja.Promise {
	pending := x.pending
	x.pending = nil
	for _, p := range pending {
		x.reported[p] = struct{}{}
	}
	return pending
}

func (x *rejectionTracker) reject(p *goja.Promise) {
	x.pending = append(x.pending, p)
}

// handle returns true if p was already reported.
func (x *rejectionTracker) handle(p *goja.Promise) bool {
	for i, v := range x.pending {
		if v == p {
			x.pending = append(x.pending[:i], x.pending[i+1:]...)
			return false
		}
	}
	if _, ok := x.reported[p]; ok {
		delete(x.reported, p)
		return true
	}
	return false
}

// trackRejection is the runtime's promise rejection tracker.
func (x *Isolate) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		x.rejections.reject(p)
	case goja.PromiseRejectionHandle:
		if x.rejections.handle(p) {
			if cb := x.settings.PromiseRejectCallback; cb != nil {
				cb(maininstance.PromiseRejectMessage{
					Reason:  exportValue(p.Result()),
					Event:   maininstance.PromiseHandlerAddedAfterReject,
					Promise: p,
				})
			}
		}
	}
}

// reportRejections reports any pending unhandled rejections. Without a
// callback, the first one is fatal.
func (x *Environment) reportRejections() {
	for _, p := range x.iso.rejections.take() {
		reason := p.Result()

		if allowed := x.envs.allowWarning(`unhandledRejection`); allowed {
			x.envs.opts.logger.Warning().
				Str(`reason`, describeValue(reason)).
				Log(`unhandled promise rejection`)
		}

		if cb := x.iso.settings.PromiseRejectCallback; cb != nil {
			cb(maininstance.PromiseRejectMessage{
				Reason:  exportValue(reason),
				Event:   maininstance.PromiseRejectWithNoHandler,
				Promise: p,
			})
			continue
		}

		if x.exiting {
			return
		}

		if x.emit(`unhandledRejection`, reason, x.rt.ToValue(p)) {
			continue
		}

		x.printf("Uncaught (in promise) %s\n", describeValue(reason))
		x.fail(maininstance.ExitGenericUserError)
		return
	}
}

func exportValue(v goja.Value) any {
	if v == nil {
		return nil
	}
	return v.Export()
}

// describeValue renders a thrown value, preferring its stack.
func describeValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return `undefined`
	}
	if obj, ok := v.(*goja.Object); ok {
		if stack := obj.Get(`stack`); stack != nil && !goja.IsUndefined(stack) && !goja.IsNull(stack) {
			return stack.String()
		}
	}
	return v.String()
}
