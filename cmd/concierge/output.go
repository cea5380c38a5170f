// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Concierge color palette - warm greens and brass accents.
var (
	colorLeaf    = lipgloss.Color("#5FD068") // assistant text highlights
	colorFern    = lipgloss.Color("#3E8E5A") // prompts, brand name
	colorBrass   = lipgloss.Color("#D9A441") // product suggestions
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#5C6B63")
)

// styles holds the pre-configured lipgloss styles for chat rendering.
var styles = struct {
	Brand     lipgloss.Style
	Prompt    lipgloss.Style
	Assistant lipgloss.Style
	Product   lipgloss.Style
	Muted     lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
}{
	Brand:     lipgloss.NewStyle().Bold(true).Foreground(colorFern),
	Prompt:    lipgloss.NewStyle().Bold(true).Foreground(colorFern),
	Assistant: lipgloss.NewStyle().Foreground(colorLeaf),
	Product:   lipgloss.NewStyle().Foreground(colorBrass),
	Muted:     lipgloss.NewStyle().Foreground(colorMuted),
	Warning:   lipgloss.NewStyle().Foreground(colorWarning),
	Error:     lipgloss.NewStyle().Foreground(colorError),
}

// isTerminal reports whether stdout is attached to a TTY. Styled output
// is disabled for piped output so transcripts stay grep-able.
func isTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// render applies a style only when stdout is a terminal.
func render(s lipgloss.Style, text string) string {
	if !isTerminal() {
		return text
	}
	return s.Render(text)
}
