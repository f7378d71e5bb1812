package main

import (
	"crypto/subtle"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/dnscrypt/dnstail/livetail"
	"github.com/dnscrypt/dnstail/tailserver"
	"github.com/jedisct1/dlog"
	"github.com/prometheus/client_golang/prometheus"
)

type App struct {
	wg      sync.WaitGroup
	quit    chan struct{}
	flags   *ConfigFlags
	config  *Config
	tail    *livetail.Tail
	watcher *ConfigWatcher

	credentials    livetail.CredentialStore
	fileCredential *FileCredential
	output         io.Writer
	entryWriter    *EntryWriter
	registry       *prometheus.Registry
	metricsServer  *http.Server
	relay          *tailserver.Server
	readyOnce      sync.Once
}

func NewApp(flags *ConfigFlags, config *Config) (*App, error) {
	app := &App{flags: flags, config: config, registry: newRegistry()}

	if len(config.CredentialFile) > 0 {
		fileCredential, err := NewFileCredential(config.CredentialFile)
		if err != nil {
			return nil, err
		}
		app.fileCredential = fileCredential
		app.credentials = fileCredential
	} else {
		app.credentials = livetail.StaticCredential(config.Credential)
	}

	transport, err := livetail.NewTransport(config.Origin, config.transportOptions())
	if err != nil {
		return nil, err
	}
	filter, err := livetail.NewFilter(config.Filter)
	if err != nil {
		return nil, err
	}
	metrics, err := livetail.NewMetrics(app.registry, prometheus.Labels{"origin": transport.Origin().Host})
	if err != nil {
		return nil, err
	}

	app.output = Logger(config.Output.MaxSize, config.Output.MaxAge, config.Output.MaxBackups, config.Output.File)
	app.entryWriter = NewEntryWriter(app.output, config.Output.Format)
	if len(config.Relay.ListenAddress) > 0 {
		app.relay = tailserver.New(tailserver.Config{
			ListenAddress:  config.Relay.ListenAddress,
			TLSCertificate: config.Relay.TLSCertificate,
			TLSKey:         config.Relay.TLSKey,
			TicketTTL:      time.Duration(config.Relay.TicketTTL) * time.Second,
			Verifier:       credentialsVerifier(config.Relay.Credentials),
		})
	}

	app.tail, err = livetail.New(livetail.Config{
		Credentials:       app.credentials,
		Tickets:           livetail.NewHTTPTicketProvider(transport),
		Connector:         livetail.NewWebsocketConnector(transport, time.Duration(config.ReadTimeout)*time.Second),
		MaxEntries:        config.MaxEntries,
		BaseDelay:         time.Duration(config.BackoffBaseMs) * time.Millisecond,
		MaxDelay:          time.Duration(config.BackoffCapMs) * time.Millisecond,
		RetryTicketErrors: config.RetryTicketErrors,
		Filter:            filter,
		Metrics:           metrics,
		OnStatus:          app.onStatus,
		OnEntry:           app.onEntry,
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

func credentialsVerifier(credentials []string) tailserver.Verifier {
	return func(credential string) bool {
		for _, allowed := range credentials {
			if subtle.ConstantTimeCompare([]byte(allowed), []byte(credential)) == 1 {
				return true
			}
		}
		return false
	}
}

// Called with the tail's lock held
func (app *App) onStatus(state livetail.ConnectionState) {
	dlog.Debugf("Stream state: %v", state)
	if state == livetail.StateOpen {
		app.readyOnce.Do(func() { go ServiceManagerReadyNotify() })
	}
}

// Called with the tail's lock held
func (app *App) onEntry(entry livetail.LiveEntry) {
	if app.entryWriter != nil {
		app.entryWriter.Write(entry)
	}
	if app.relay != nil {
		if err := app.relay.Hub().Publish(entry.StreamEvent); err != nil {
			dlog.Debugf("Unable to relay entry: %v", err)
		}
	}
}

func (app *App) StartTail() error {
	app.quit = make(chan struct{})
	if err := ServiceManagerStartNotify(); err != nil {
		dlog.Debug(err)
	}
	if app.relay != nil {
		if err := app.relay.Start(); err != nil {
			return err
		}
	}
	app.metricsServer = startMetricsServer(&app.config.Metrics, app.registry)
	if app.fileCredential != nil {
		app.watcher = NewConfigWatcher(DefaultWatchInterval)
		if err := app.watcher.AddFile(app.config.CredentialFile, app.reloadCredential); err != nil {
			dlog.Warnf("Unable to watch the credential file: %v", err)
		}
	}
	setupSignalHandler(app)
	if hint := sighupHint(app.exportPath()); len(hint) > 0 {
		dlog.Notice(hint)
	}
	dlog.Noticef("Tailing the query log of [%s]", app.config.Origin)
	return app.tail.Start()
}

// reloadCredential re-reads the credential file, and gives the stream
// another chance if a ticket failure stopped it.
func (app *App) reloadCredential() error {
	if err := app.fileCredential.Reload(); err != nil {
		return err
	}
	app.tail.Retry()
	return nil
}

// refresh re-reads the credential, restarts a stream stopped by a ticket
// failure and writes a snapshot if an export path is set.
func (app *App) refresh() {
	if app.fileCredential != nil {
		if err := app.reloadCredential(); err != nil {
			dlog.Warn(err)
		}
	} else {
		app.tail.Retry()
	}
	app.export()
}

func (app *App) exportPath() string {
	if app.flags == nil || app.flags.Export == nil {
		return ""
	}
	return *app.flags.Export
}

func (app *App) export() {
	path := app.exportPath()
	if len(path) == 0 {
		return
	}
	if err := WriteSnapshot(path, takeSnapshot(app.config.Origin, app.tail)); err != nil {
		dlog.Errorf("Unable to export the live buffer: %v", err)
		return
	}
	dlog.Noticef("Live buffer exported to [%s]", path)
}

func (app *App) StopTail() {
	app.tail.Stop()
	app.export()
	if app.watcher != nil {
		app.watcher.Shutdown()
	}
	if app.metricsServer != nil {
		app.metricsServer.Close()
	}
	if app.relay != nil {
		app.relay.Stop()
	}
	if closer, ok := app.output.(io.Closer); ok && app.output != io.Writer(os.Stdout) {
		closer.Close()
	}
	if app.quit != nil {
		close(app.quit)
	}
}
