package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// styled reports whether w is a terminal worth decorating.
func styled(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type field struct {
	key   string
	value any
}

// printFields writes aligned key: value lines, styled on a terminal.
func printFields(w io.Writer, title string, fields []field) {
	color := styled(w)
	width := 0
	for _, f := range fields {
		width = max(width, len(f.key))
	}

	if title != "" {
		if color {
			fmt.Fprintln(w, titleStyle.Render(title))
		} else {
			fmt.Fprintln(w, title)
		}
	}
	for _, f := range fields {
		key := f.key + ":" + strings.Repeat(" ", width-len(f.key))
		value := fmt.Sprint(f.value)
		if color {
			key, value = keyStyle.Render(key), valueStyle.Render(value)
		}
		fmt.Fprintf(w, "  %s %s\n", key, value)
	}
}
