//go:build unix

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/jedisct1/dlog"
)

const HasSIGHUP = true

// setupSignalHandler re-reads the credential file, retries a stream stopped
// by a ticket failure and writes a snapshot on SIGHUP.
func setupSignalHandler(app *App) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-sigChan:
				dlog.Notice("Received SIGHUP signal")
				app.refresh()
			case <-app.quit:
				signal.Stop(sigChan)
				return
			}
		}
	}()
}
