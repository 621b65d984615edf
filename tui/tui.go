// Package tui renders directory-cli output: styled text, tables, status
// messages, confirmations and a spinner for slow loads.
package tui

import (
	"os"

	"github.com/mattn/go-isatty"
)

var (
	HasTTY = isatty.IsTerminal(os.Stdout.Fd())
)
