package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/jedisct1/dlog"
)

// FileCredential - Credential kept in a file, re-read when the file changes
type FileCredential struct {
	path  string
	value atomic.Value
}

func NewFileCredential(path string) (*FileCredential, error) {
	credential := &FileCredential{path: path}
	if err := credential.Reload(); err != nil {
		return nil, err
	}
	return credential, nil
}

func (credential *FileCredential) Credential() string {
	value, _ := credential.value.Load().(string)
	return value
}

// Reload reads the first non-empty, non-comment line of the file. The
// previous value is kept if the file cannot be used.
func (credential *FileCredential) Reload() error {
	bin, err := os.ReadFile(credential.path)
	if err != nil {
		return fmt.Errorf("Unable to read the credential file: %w", err)
	}
	for _, line := range strings.Split(string(bin), "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		credential.value.Store(line)
		dlog.Debugf("Credential loaded from [%s]", credential.path)
		return nil
	}
	return errors.New("The credential file is empty")
}
