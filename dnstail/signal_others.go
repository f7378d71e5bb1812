//go:build !unix

package main

const HasSIGHUP = false

func setupSignalHandler(app *App) {}
