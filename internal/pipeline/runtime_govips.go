//go:build govips && cgo

package pipeline

import (
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

func Startup() error {
	startupOnce.Do(func() {
		// Every job reads a distinct file once; operation caching only holds memory.
		vips.Startup(&vips.Config{
			MaxCacheFiles: 0,
			MaxCacheMem:   0,
			MaxCacheSize:  0,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

func newDecoder(maxPixels int64) Decoder {
	return govipsDecoder{maxPixels: maxPixels}
}
