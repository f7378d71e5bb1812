package main

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/dchest/safefile"
)

func PidFileCreate(pidFile string) error {
	if len(pidFile) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		return err
	}
	return safefile.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func PidFileRemove(pidFile string) error {
	if len(pidFile) == 0 {
		return nil
	}
	return os.Remove(pidFile)
}
