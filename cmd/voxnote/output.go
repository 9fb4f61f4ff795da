package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/kalambet/voxnote/internal/notes"
)

var (
	colorRed    = color.New(color.FgRed)
	colorGreen  = color.New(color.FgGreen)
	colorYellow = color.New(color.FgYellow)
	colorCyan   = color.New(color.FgCyan)
	colorBold   = color.New(color.Bold)
	colorFaint  = color.New(color.Faint)
)

func colorize(c *color.Color, text string) string {
	if noColor {
		return text
	}
	return c.Sprint(text)
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// noteLine renders one row of `note list`.
func noteLine(n notes.Note) string {
	pin := " "
	if n.Pinned {
		pin = colorize(colorYellow, "*")
	}
	id := n.ID
	if len(id) > 8 {
		id = id[:8]
	}
	meta := string(n.Category)
	if n.Priority == notes.PriorityHigh {
		meta += "!"
	}
	line := fmt.Sprintf("%s %s  %-9s %s", pin, colorize(colorCyan, id), meta, truncate(n.Title, 60))
	if len(n.Tags) > 0 {
		line += "  " + colorize(colorFaint, "#"+strings.Join(n.Tags, " #"))
	}
	return line
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
