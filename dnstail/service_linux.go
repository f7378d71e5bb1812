package main

import "github.com/coreos/go-systemd/daemon"

func ServiceManagerStartNotify() error {
	daemon.SdNotify(false, "STATUS=Connecting to the query log stream")
	return nil
}

func ServiceManagerReadyNotify() {
	daemon.SdNotify(false, "READY=1")
}
