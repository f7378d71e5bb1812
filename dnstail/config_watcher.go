package main

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jedisct1/dlog"
	clocksmith "github.com/jedisct1/go-clocksmith"
)

const settleDelay = 100 * time.Millisecond

// ConfigWatcher polls files and calls their reload function once a change
// has settled.
type ConfigWatcher struct {
	sync.RWMutex
	files    map[string]*watchedFile
	interval time.Duration
	done     chan struct{}
	once     sync.Once
}

type watchedFile struct {
	sync.Mutex
	path    string
	digest  []byte
	modTime time.Time
	reload  func() error
}

func NewConfigWatcher(interval time.Duration) *ConfigWatcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	watcher := &ConfigWatcher{
		files:    make(map[string]*watchedFile),
		interval: interval,
		done:     make(chan struct{}),
	}
	go watcher.loop()
	return watcher
}

func (watcher *ConfigWatcher) loop() {
	for {
		clocksmith.Sleep(watcher.interval)
		select {
		case <-watcher.done:
			return
		default:
		}
		watcher.RLock()
		files := make([]*watchedFile, 0, len(watcher.files))
		for _, file := range watcher.files {
			files = append(files, file)
		}
		watcher.RUnlock()
		for _, file := range files {
			file.check()
		}
	}
}

func (file *watchedFile) check() {
	file.Lock()
	defer file.Unlock()
	st, err := os.Stat(file.path)
	if err != nil {
		dlog.Debugf("Cannot stat [%s]: %v", file.path, err)
		return
	}
	if !st.ModTime().After(file.modTime) {
		return
	}
	before, err := fileDigest(file.path)
	if err != nil {
		return
	}
	time.Sleep(settleDelay)
	after, err := fileDigest(file.path)
	if err != nil {
		return
	}
	if !bytes.Equal(before, after) {
		dlog.Debugf("[%s] is still being written", file.path)
		return
	}
	if bytes.Equal(after, file.digest) {
		file.modTime = st.ModTime()
		return
	}
	dlog.Noticef("[%s] has changed, reloading", file.path)
	if err := file.reload(); err != nil {
		dlog.Errorf("Failed to reload [%s]: %v", file.path, err)
		return
	}
	file.digest = after
	file.modTime = st.ModTime()
}

// AddFile starts watching a file. The current content is considered loaded.
func (watcher *ConfigWatcher) AddFile(path string, reload func() error) error {
	if reload == nil {
		return errors.New("No reload function")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	st, err := os.Stat(absPath)
	if err != nil {
		return err
	}
	if st.IsDir() {
		return errors.New("[" + absPath + "] is a directory")
	}
	digest, err := fileDigest(absPath)
	if err != nil {
		return err
	}
	watcher.Lock()
	watcher.files[absPath] = &watchedFile{path: absPath, digest: digest, modTime: st.ModTime(), reload: reload}
	watcher.Unlock()
	dlog.Debugf("Watching [%s] for changes", absPath)
	return nil
}

func (watcher *ConfigWatcher) RemoveFile(path string) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return
	}
	watcher.Lock()
	delete(watcher.files, absPath)
	watcher.Unlock()
}

func (watcher *ConfigWatcher) Shutdown() {
	watcher.once.Do(func() { close(watcher.done) })
}

func fileDigest(path string) ([]byte, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	h := sha256.New()
	if _, err := io.Copy(h, fp); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
