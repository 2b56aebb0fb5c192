package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/yllada/vpn-session-manager/api"
	"github.com/yllada/vpn-session-manager/tui"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	headerStyle  = lipgloss.NewStyle().Bold(true)
	keyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(12)
)

func printSuccess(msg string) {
	fmt.Println(successStyle.Render("✓ " + msg))
}

func printWarning(msg string) {
	fmt.Fprintln(os.Stderr, warningStyle.Render("! "+msg))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// promptSecret reads a line from the terminal without echoing it.
func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%s: stdin is not a terminal, pass the value with --2fa", strings.TrimSuffix(prompt, ": "))
	}
	fmt.Fprint(os.Stderr, prompt)
	value, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(string(value))
	if v == "" {
		return "", fmt.Errorf("no value entered")
	}
	return v, nil
}

func renderStatus(s api.StatusResponse) string {
	var b strings.Builder
	line := func(key, value string) {
		b.WriteString(keyStyle.Render(key) + value + "\n")
	}

	line("State", tui.StateStyle(s.State).Render(s.Label))
	if s.Profile != nil {
		line("Profile", fmt.Sprintf("%s (%s)", s.Profile.DisplayName, s.Profile.ID))
	}
	if s.StartedAt != nil {
		line("Since", s.StartedAt.Local().Format(time.DateTime))
		line("Uptime", formatDuration(time.Duration(s.DurationSeconds)*time.Second))
	}
	if s.Health != "" && s.Health != "Unknown" {
		line("Health", s.Health)
	}
	if s.LastError != "" {
		line("Last error", warningStyle.Render(s.LastError))
	}
	if s.LogLocation != "" {
		line("Log", s.LogLocation)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func renderStats(s api.StatisticsDTO) string {
	return fmt.Sprintf("%s%s\n%s%s\n%s%s",
		keyStyle.Render("Received"), tui.FormatBytes(s.BytesReceived),
		keyStyle.Render("Sent"), tui.FormatBytes(s.BytesSent),
		keyStyle.Render("Sampled"), s.SampledAt.Local().Format(time.TimeOnly))
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
