package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"fractal/internal/api"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 16
	statusIndent     = "  "
	progressBarWidth = 30
)

var titleCaser = cases.Title(language.English)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := fmt.Sprintf("[%s]", statusKindLabel(kind))
	if message != "" {
		statusText += " " + message
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func renderField(label, value string) string {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	return fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", value)
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// stateKind picks the badge for a lifecycle state. An error status wins over
// the state itself.
func stateKind(state api.State) statusKind {
	if strings.HasPrefix(state.Status, "Error") {
		return statusError
	}
	switch state.State {
	case "training":
		return statusOK
	case "waiting", "paused":
		return statusWarn
	default:
		return statusInfo
	}
}

func renderProgressBar(percent int) string {
	percent = max(0, min(100, percent))
	filled := percent * progressBarWidth / 100
	return fmt.Sprintf("[%s%s] %3d%%",
		strings.Repeat("#", filled),
		strings.Repeat("-", progressBarWidth-filled),
		percent,
	)
}

func renderState(state api.State, colorize bool) string {
	lines := renderSectionHeader("Training", colorize)
	lines = append(lines,
		renderStatusLine("State", stateKind(state), titleCaser.String(state.State), colorize),
		renderField("Status", state.Status),
		renderField("Progress", renderProgressBar(state.Progress)),
		renderField("Epochs", state.Stats.EpochsCompleted),
		renderField("Time left", state.Stats.EstimatedTimeLeft),
		renderField("Performance", state.Stats.OverallPerformance),
		renderField("Inference", state.Stats.InferenceResult),
	)
	if state.SessionID != "" {
		lines = append(lines, renderField("Session", state.SessionID))
	}
	return strings.Join(lines, "\n") + "\n"
}

func renderConditions(cond api.ConditionsResponse, colorize bool) string {
	lines := renderSectionHeader("Device conditions", colorize)
	verdict := statusOK
	message := "Training allowed"
	if !cond.Allowed {
		verdict = statusWarn
		message = cond.Reason
	}
	lines = append(lines, renderStatusLine("Admission", verdict, message, colorize))
	if cond.Rule != "" && cond.Rule != "none" {
		lines = append(lines, renderField("Rule", cond.Rule))
	}
	if cond.SensorError != "" {
		lines = append(lines, renderStatusLine("Sensors", statusError, cond.SensorError, colorize))
	}

	battery := "none"
	if cond.HasBattery {
		battery = fmt.Sprintf("%d%%", cond.BatteryPercent)
		if cond.Charging {
			battery += " (charging)"
		}
	}
	lines = append(lines,
		renderField("Battery", battery),
		renderField("Idle", yesNo(cond.Idle)),
		renderField("Network", networkLabel(cond)),
		renderField("Temperature", fmt.Sprintf("%.1f C", cond.TemperatureC)),
	)
	if cond.FreeStorageMB != nil {
		lines = append(lines, renderField("Free storage", fmt.Sprintf("%d MB", *cond.FreeStorageMB)))
	}
	if cond.ReadAt != "" {
		lines = append(lines, renderField("Read at", cond.ReadAt))
	}
	return strings.Join(lines, "\n") + "\n"
}

func networkLabel(cond api.ConditionsResponse) string {
	switch {
	case cond.Wifi && cond.Cellular:
		return "wifi, cellular"
	case cond.Wifi:
		return "wifi"
	case cond.Cellular:
		return "cellular"
	default:
		return "offline"
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
