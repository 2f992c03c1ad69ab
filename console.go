package main

import "io"

// uiSurface is implemented by the console dashboard. newANSIConsole
// returns a nil uiSurface when rendering is disabled, and callers check
// for nil before using it.
type uiSurface interface {
	WaitReady()
	Stop()
	SetStats(lines []string)
	AppendSpot(line string)
	AppendActivation(line string)
	AppendInstance(line string)
	AppendSystem(line string)
	SystemWriter() io.Writer
}
