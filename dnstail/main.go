package main

import (
	"fmt"
	"os"

	"github.com/jedisct1/dlog"
	"github.com/kardianos/service"
	"github.com/spf13/pflag"
)

const (
	AppVersion            = "0.3.0"
	DefaultConfigFileName = "dnstail.toml"
)

func main() {
	dlog.Init("dnstail", dlog.SeverityNotice, "DAEMON")

	flags := &ConfigFlags{
		ConfigFile: pflag.String("config", DefaultConfigFileName, "Path to the configuration file"),
		Check:      pflag.Bool("check", false, "check the configuration file and exit"),
		Version:    pflag.Bool("version", false, "print the version and exit"),
		Export:     pflag.String("export", "", "write a JSON snapshot of the live buffer to this file on SIGHUP and on exit"),
		PidFile:    pflag.String("pidfile", "", "store the PID into a file"),
	}
	svcFlag := pflag.String("service", "", fmt.Sprintf("Control the system service: %q", service.ControlAction))
	pflag.Parse()

	if *flags.Version {
		fmt.Println(AppVersion)
		os.Exit(0)
	}

	config, err := loadConfig(*flags.ConfigFile)
	if err != nil {
		dlog.Fatalf("Unable to load the configuration file [%s] -- %v", *flags.ConfigFile, err)
	}
	configureLogging(flags, config)
	if *flags.Check {
		dlog.Notice("Configuration successfully checked")
		os.Exit(0)
	}
	dlog.Noticef("dnstail %s", AppVersion)

	svcConfig := &service.Config{
		Name:        "dnstail",
		DisplayName: "DNS query log tail",
		Description: "Follows the live query log of a DNS server",
		Arguments:   []string{"--config", *flags.ConfigFile},
	}
	app, err := NewApp(flags, config)
	if err != nil {
		dlog.Fatal(err)
	}
	svc, err := service.New(app, svcConfig)
	if err != nil {
		svc = nil
		dlog.Debug(err)
	}

	if len(*svcFlag) != 0 {
		if svc == nil {
			dlog.Fatal("Built-in service installation is not supported on this platform")
		}
		if err := service.Control(svc, *svcFlag); err != nil {
			dlog.Fatal(err)
		}
		switch *svcFlag {
		case "install":
			dlog.Notice("Installed as a service. Use `--service start` to start")
		case "uninstall":
			dlog.Notice("Service uninstalled")
		case "start":
			dlog.Notice("Service started")
		case "stop":
			dlog.Notice("Service stopped")
		case "restart":
			dlog.Notice("Service restarted")
		}
		return
	}
	if svc != nil {
		if err := svc.Run(); err != nil {
			dlog.Fatal(err)
		}
	} else {
		app.Start(nil)
		app.wg.Wait()
	}
}

func (app *App) Start(service service.Service) error {
	if err := PidFileCreate(*app.flags.PidFile); err != nil {
		dlog.Criticalf("Unable to create the PID file: %v", err)
	}
	if err := app.StartTail(); err != nil {
		dlog.Fatal(err)
	}
	app.wg.Add(1)
	go app.AppMain()
	return nil
}

func (app *App) AppMain() {
	<-app.quit
	dlog.Notice("Quit signal received...")
	app.wg.Done()
}

func (app *App) Stop(service service.Service) error {
	app.StopTail()
	if err := PidFileRemove(*app.flags.PidFile); err != nil {
		dlog.Debug(err)
	}
	dlog.Notice("Stopped.")
	return nil
}
