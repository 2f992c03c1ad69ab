//go:build !windows

package main

// enableVirtualTerminal is a no-op outside Windows; every other
// supported terminal already understands ANSI escapes natively.
func enableVirtualTerminal() bool {
	return true
}
