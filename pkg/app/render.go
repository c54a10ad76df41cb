package app

import (
	"fmt"
	"math"
	"strings"
	"time"

	"chatClient/pkg/api"

	"github.com/charmbracelet/lipgloss"
)

// Avatar colors, indexed by a profile's color.
var palette = [api.PaletteSize]lipgloss.Color{
	lipgloss.Color("#FF006E"),
	lipgloss.Color("#FFD60A"),
	lipgloss.Color("#06D6A0"),
	lipgloss.Color("#4CC9F0"),
}

var (
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	selfStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4169E1"))
	peerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5E7EB"))
	dateStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")).Italic(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED"))
)

const (
	dateLayout = "January 2, 2006"
	timeLayout = "3:04 PM"
)

func colorFor(index int) lipgloss.Color {
	if index < 0 || index >= len(palette) {
		return palette[0]
	}
	return palette[index]
}

// avatar renders the initial in the profile's color, or marks that an image
// is set.
func avatar(initial string, color int, image *string) string {
	style := lipgloss.NewStyle().Bold(true).Foreground(colorFor(color))
	if image != nil && *image != "" {
		return style.Render("(" + initial + "*)")
	}
	return style.Render("(" + initial + ")")
}

func renderContact(index int, c api.Contact) string {
	status := c.Status
	if status == "" {
		status = "Online"
	}
	line := fmt.Sprintf("%2d. %s %s", index, avatar(c.Initial(), c.Color, c.Image), c.DisplayName())
	if c.FirstName != "" && c.Email != "" {
		line += " " + mutedStyle.Render("<"+c.Email+">")
	}
	return line + " " + mutedStyle.Render(status)
}

func renderUser(u api.User, host string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", avatar(u.Initial(), u.Color, u.Image), u.DisplayName())
	if u.Email != "" && u.FirstName != "" {
		fmt.Fprintf(&b, " %s", mutedStyle.Render("<"+u.Email+">"))
	}
	if u.Image != nil {
		fmt.Fprintf(&b, "\n   avatar: %s", api.ImageURL(host, *u.Image))
	}
	if !u.ProfileSetup {
		fmt.Fprintf(&b, "\n   %s", mutedStyle.Render("profile not set up"))
	}
	return b.String()
}

// renderMessage formats one message; selfId marks the session user's own
// messages.
func renderMessage(m api.Message, selfId, host string) string {
	stamp := mutedStyle.Render(formatTime(m.Timestamp))
	who := peerStyle.Render(senderName(m.Sender))
	if m.Sender.Id != "" && m.Sender.Id == selfId {
		who = selfStyle.Render("you")
	}
	return fmt.Sprintf("%s %s: %s", stamp, who, renderContent(m.Content, host))
}

func senderName(p api.Participant) string {
	switch {
	case p.FirstName != "":
		return strings.TrimSpace(p.FirstName + " " + p.LastName)
	case p.Email != "":
		return p.Email
	case p.Id != "":
		return p.Id
	default:
		return "unknown"
	}
}

func renderContent(content api.Content, host string) string {
	switch c := content.(type) {
	case api.TextContent:
		return c.Body
	case api.FileContent:
		url := api.NormalizeFileURL(host, c.URL)
		switch c.Type() {
		case api.TypeImage:
			return fmt.Sprintf("[image] %s %s", fileLabel(c.Attachment, "Image"), url)
		case api.TypeVideo:
			return fmt.Sprintf("[video] %s %s", fileLabel(c.Attachment, "video"), url)
		default:
			return fmt.Sprintf("[file] %s (%s) %s", fileLabel(c.Attachment, "file"), formatFileSize(c.Size), url)
		}
	case api.AudioContent:
		length := "Audio"
		if c.Duration > 0 {
			length = humanizeDuration(c.Duration)
		}
		return fmt.Sprintf("[audio] %s %s", length, api.NormalizeFileURL(host, c.URL))
	default:
		return ""
	}
}

func fileLabel(a api.Attachment, fallback string) string {
	if a.Name != "" {
		return a.Name
	}
	return fallback
}

func formatFileSize(size int64) string {
	return fmt.Sprintf("%.1f KB", float64(size)/1024)
}

// humanizeDuration follows the usual "a few seconds", "a minute", "3 minutes"
// thresholds.
func humanizeDuration(seconds float64) string {
	s := math.Abs(seconds)
	minutes := s / 60
	hours := minutes / 60
	switch {
	case s < 45:
		return "a few seconds"
	case s < 90:
		return "a minute"
	case minutes < 45:
		return fmt.Sprintf("%d minutes", int(math.Round(minutes)))
	case minutes < 90:
		return "an hour"
	case hours < 22:
		return fmt.Sprintf("%d hours", int(math.Round(hours)))
	case hours < 36:
		return "a day"
	default:
		return fmt.Sprintf("%d days", int(math.Round(hours/24)))
	}
}

// renderConversation prints messages with a date line whenever the day changes.
func renderConversation(messages []api.Message, selfId, host string) string {
	var b strings.Builder
	lastDate := ""
	for _, m := range messages {
		day := m.Timestamp.Local().Format("2006-01-02")
		if day != lastDate {
			fmt.Fprintf(&b, "%s\n", dateStyle.Render("-- "+m.Timestamp.Local().Format(dateLayout)+" --"))
			lastDate = day
		}
		fmt.Fprintf(&b, "%s\n", renderMessage(m, selfId, host))
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.Local().Format(timeLayout)
}
