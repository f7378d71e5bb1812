package main

import (
	"fmt"
	"os"
)

// sighupHint tells how to trigger a refresh, on platforms having SIGHUP.
func sighupHint(exportPath string) string {
	if !HasSIGHUP {
		return ""
	}
	if len(exportPath) == 0 {
		return fmt.Sprintf("Send SIGHUP to PID %d to reload the credential and retry a failed stream", os.Getpid())
	}
	return fmt.Sprintf("Send SIGHUP to PID %d to reload the credential, retry a failed stream and export to [%s]", os.Getpid(), exportPath)
}
