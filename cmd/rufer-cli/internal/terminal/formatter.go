// Package terminal renders client state for the rufer CLI.
package terminal

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nfrund/rufer/internal/client"
	"github.com/nfrund/rufer/internal/domain"
)

// WriteToken prints a session token as plain text or JSON.
func WriteToken(w io.Writer, userID, token, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{"userId": userID, "token": token})
	case "plain", "":
		_, err := fmt.Fprintln(w, token)
		return err
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// DisplayChats writes the chat list as a table.
func DisplayChats(w io.Writer, chats []domain.ChatSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "USER\tNAME\tSTATUS\tUNREAD\tLAST MESSAGE")
	fmt.Fprintln(tw, "----\t----\t------\t------\t------------")

	if len(chats) == 0 {
		fmt.Fprintln(tw, "No chats yet")
		return
	}
	for _, c := range chats {
		status := "offline"
		if c.IsOnline {
			status = "online"
		}
		last := "-"
		if c.LastMessage != nil {
			last = truncateString(c.LastMessage.Content, 40)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", c.UserID, c.DisplayName, status, c.UnreadCount, last)
	}
}

// FormatMessage renders one line of a conversation from me's point of view.
func FormatMessage(m domain.Message, me string) string {
	who := m.Sender.DisplayName
	if who == "" {
		who = m.Sender.ID
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format(time.Kitchen), who, m.Content)
	if m.Sender.ID != me {
		return line
	}
	return line + " " + Receipt(m)
}

// Receipt is the delivery marker shown next to one's own messages.
func Receipt(m domain.Message) string {
	if client.IsProvisional(m.ID) {
		return "(sending)"
	}
	switch m.Status() {
	case domain.StatusRead:
		return "(read)"
	case domain.StatusDelivered:
		return "(delivered)"
	default:
		return "(sent)"
	}
}

// FormatStatus describes a connection state change.
func FormatStatus(evt client.StatusEvent) string {
	switch evt.Status {
	case client.StatusReconnecting:
		return fmt.Sprintf("* reconnecting (attempt %d)", evt.Attempt)
	case client.StatusFailed:
		return fmt.Sprintf("* connection failed: %v", evt.Err)
	default:
		return "* " + string(evt.Status)
	}
}

func truncateString(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
