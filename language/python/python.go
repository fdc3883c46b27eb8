// Package python holds the interpreter side of the bridge.
package python

import (
	_ "embed"
)

//go:embed bridge.py
var program string

// DefaultInterpreter is the native interpreter used when none is configured.
const DefaultInterpreter = "python3"

// Program returns the bridge program run inside the interpreter.
func Program() string {
	return program
}

// Args returns the full argument vector for running the bridge program with
// interpreter. Output is unbuffered so frames are never held back.
func Args(interpreter string) []string {
	return []string{interpreter, "-u", "-c", program}
}
