package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/agentworkforce/tracksync/internal/resilience"
	"github.com/agentworkforce/tracksync/internal/tracksync"
)

var (
	colorWhite  = lipgloss.AdaptiveColor{Light: "0", Dark: "15"}
	colorDim    = lipgloss.AdaptiveColor{Light: "242", Dark: "240"}
	colorGreen  = lipgloss.AdaptiveColor{Light: "28", Dark: "40"}
	colorRed    = lipgloss.AdaptiveColor{Light: "160", Dark: "196"}
	colorYellow = lipgloss.AdaptiveColor{Light: "136", Dark: "220"}
	colorCyan   = lipgloss.AdaptiveColor{Light: "30", Dark: "45"}
)

var (
	styleLabel   = lipgloss.NewStyle().Foreground(colorDim)
	styleValue   = lipgloss.NewStyle().Foreground(colorWhite)
	styleEntity  = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	styleSuccess = lipgloss.NewStyle().Foreground(colorGreen)
	styleWarning = lipgloss.NewStyle().Bold(true).Foreground(colorYellow)
	styleError   = lipgloss.NewStyle().Bold(true).Foreground(colorRed)
	styleHint    = lipgloss.NewStyle().Foreground(colorDim)
)

func syncStatusBadge(status tracksync.SyncStatus) string {
	label := string(status)
	switch status {
	case tracksync.SyncSynced:
		return styleSuccess.Render(label)
	case tracksync.SyncNoop:
		return styleHint.Render(label)
	case tracksync.SyncDeferred, tracksync.SyncPartial:
		return styleWarning.Render(label)
	default:
		return styleError.Render(label)
	}
}

func circuitBadge(state resilience.State) string {
	label := string(state)
	switch state {
	case resilience.StateClosed, "":
		return styleSuccess.Render("closed")
	case resilience.StateHalfOpen:
		return styleWarning.Render(label)
	default:
		return styleError.Render(label)
	}
}
