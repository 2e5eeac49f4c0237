package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"globalconf/pkg/anchor"
	"globalconf/pkg/client"
	"globalconf/pkg/config"
	"globalconf/pkg/directory"
	"globalconf/pkg/globalconf"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6") // Pink
	secondaryColor = lipgloss.Color("#8BE9FD") // Cyan
	accentColor    = lipgloss.Color("#50FA7B") // Green
	dangerColor    = lipgloss.Color("#FF5555") // Red
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(20)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	dangerValueStyle = lipgloss.NewStyle().
				Foreground(dangerColor).
				Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

type instanceStatus struct {
	ID      string
	Main    bool
	Members int
	Servers int
	Expires time.Time
	Expired bool
}

type directoryStatus struct {
	Root         string
	MainInstance string
	AnchorErr    error
	Instances    []instanceStatus
	UpToDate     error
}

// collectStatus reads the configuration directory without downloading.
func collectStatus(cfg *config.Config, now time.Time) (*directoryStatus, error) {
	status := &directoryStatus{Root: cfg.ConfigurationDir}
	if a, err := anchor.Load(cfg.AnchorPath); err != nil {
		status.AnchorErr = err
	} else {
		status.MainInstance = a.InstanceIdentifier
	}

	dir, err := directory.New(cfg.ConfigurationDir)
	if err != nil {
		return nil, err
	}
	snap, err := globalconf.Build(dir, status.MainInstance, now)
	if err != nil {
		return nil, err
	}
	expirations, err := dir.ExpirationDates()
	if err != nil {
		return nil, err
	}

	for _, id := range snap.InstanceIdentifiers() {
		status.Instances = append(status.Instances, instanceStatus{
			ID:      id,
			Main:    id == status.MainInstance,
			Members: len(snap.Members(id)),
			Servers: len(snap.SecurityServers(id)),
			Expires: expirations[id],
			Expired: snap.IsExpired(id, now),
		})
	}
	status.UpToDate = snap.VerifyUpToDate(now)
	return status, nil
}

func createPanel(title, content string, width int) string {
	panel := panelStyle
	if width > 0 {
		panel = panel.Width(width)
	}
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), content))
}

func line(label, value string, style lipgloss.Style) string {
	return fmt.Sprintf("%s %s", labelStyle.Render(label+":"), style.Render(value))
}

func printStatus(s *directoryStatus) {
	var content strings.Builder

	mainID := s.MainInstance
	mainStyle := accentValueStyle
	if s.AnchorErr != nil {
		mainID = "anchor unreadable: " + s.AnchorErr.Error()
		mainStyle = dangerValueStyle
	}
	content.WriteString(line("Main Instance", mainID, mainStyle) + "\n")
	content.WriteString(line("Directory", s.Root, valueStyle) + "\n")
	content.WriteString(line("Instances", fmt.Sprintf("%d", len(s.Instances)), valueStyle) + "\n")
	if s.UpToDate != nil {
		content.WriteString(line("Up To Date", s.UpToDate.Error(), dangerValueStyle))
	} else {
		content.WriteString(line("Up To Date", "yes", accentValueStyle))
	}
	fmt.Println(createPanel("GLOBAL CONFIGURATION", content.String(), 70))

	if len(s.Instances) == 0 {
		return
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 4 && s.Instances[row].Expired {
				return rowStyle.Foreground(dangerColor)
			}
			return rowStyle.Foreground(fgColor)
		})

	t.Headers("INSTANCE", "ROLE", "MEMBERS", "SERVERS", "EXPIRES")
	for _, in := range s.Instances {
		role := "federated"
		if in.Main {
			role = "main"
		}
		expires := "unknown"
		if !in.Expires.IsZero() {
			expires = in.Expires.Local().Format(time.RFC3339)
		}
		if in.Expired {
			expires += " (expired)"
		}
		t.Row(in.ID, role, fmt.Sprintf("%d", in.Members), fmt.Sprintf("%d", in.Servers), expires)
	}
	fmt.Println(t.Render())
}

func printAnchor(path string, a *anchor.Anchor) {
	var content strings.Builder
	content.WriteString(line("File", path, valueStyle) + "\n")
	content.WriteString(line("Instance", a.InstanceIdentifier, accentValueStyle) + "\n")
	content.WriteString(line("Version", fmt.Sprintf("%d", a.Version), valueStyle) + "\n")
	if !a.GeneratedAt.IsZero() {
		content.WriteString(line("Generated", a.GeneratedAt.Format(time.RFC3339), valueStyle) + "\n")
	}
	for i, loc := range a.Locations {
		content.WriteString(line(fmt.Sprintf("Location %d", i+1), loc.DownloadURL, valueStyle) + "\n")
		content.WriteString(line("  Certificates", fmt.Sprintf("%d", len(loc.VerificationCerts)), valueStyle) + "\n")
	}
	fmt.Println(createPanel("CONFIGURATION ANCHOR", strings.TrimSpace(content.String()), 90))
}

func printReport(r *client.Report) {
	var content strings.Builder
	content.WriteString(line(r.MainInstance, resultSummary(r.Main.Success(), len(r.Main.Written), len(r.Main.Refreshed)), resultStyle(r.Main.Success())) + "\n")
	for _, id := range sortedKeys(r.Federated) {
		res := r.Federated[id]
		content.WriteString(line(id, resultSummary(res.Success(), len(res.Written), len(res.Refreshed)), resultStyle(res.Success())) + "\n")
	}
	for _, id := range r.Pruned {
		content.WriteString(line(id, "removed", valueStyle) + "\n")
	}
	fmt.Println(createPanel("DOWNLOAD", strings.TrimSpace(content.String()), 70))
}

func resultSummary(ok bool, written, refreshed int) string {
	if !ok {
		return "failed"
	}
	return fmt.Sprintf("ok (%d written, %d unchanged)", written, refreshed)
}

func resultStyle(ok bool) lipgloss.Style {
	if ok {
		return accentValueStyle
	}
	return dangerValueStyle
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
