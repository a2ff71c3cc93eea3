// Package concurrency holds goroutine helpers shared by long-running
// watchers.
package concurrency

import (
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a goroutine named for logs. A panic is recovered, logged
// with its stack and passed to onPanic when set.
func Go(name string, fn func(), onPanic func(any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Goroutine panicked", "routine", name, "panic", r, "stack", string(debug.Stack()))
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
