package log

import "runtime/debug"

// SafeGo runs fn on a new goroutine and recovers panics, logging them with
// the goroutine name and a stack trace. Subsystems use it for every
// long-running or fire-and-forget goroutine so a single misbehaving handler
// cannot take down the kernel.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatKernel, "goroutine panic recovered",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
