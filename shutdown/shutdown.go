// Package shutdown turns termination signals into a single callback.
package shutdown

import (
	"os"
	"sync"
)

// OnSignal runs fn once, on its own goroutine, when the process is asked to
// terminate. fn receives the signal that arrived first.
func OnSignal(fn func(os.Signal)) {
	ch := make(chan os.Signal, 1)
	notify(ch)
	var once sync.Once
	go func() {
		for sig := range ch {
			once.Do(func() { fn(sig) })
		}
	}()
}
