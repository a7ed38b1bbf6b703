package main

import (
	"os"

	"github.com/mattn/go-isatty"
)

// colorEnabled reports whether stderr is an interactive terminal, gating
// ANSI color codes in connection-state output the same way a CLI normally
// decides whether to colorize: never when piped or redirected to a file.
var colorEnabled = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

const (
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorReset  = "\033[0m"
)

func colorize(code, s string) string {
	if !colorEnabled {
		return s
	}

	return code + s + colorReset
}
