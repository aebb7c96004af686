package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/nfrund/rufer/cmd/rufer-cli/internal/terminal"
	"github.com/nfrund/rufer/internal/client"
	"github.com/nfrund/rufer/internal/domain"
)

var chatWith string

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat <user-id>",
	Short: "Open an interactive chat session as a user",
	Long: `Chat connects as the given user and keeps the session in sync with the
server, reconnecting when the connection drops.

Type a line to send it to the open conversation. Commands:
  /open <user>   open a conversation, starting one when needed
  /chats         list conversations
  /who <user>    show a user's presence
  /help          show this help
  /quit          leave

Examples:
  rufer-cli chat alice
  rufer-cli chat alice --with bob`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&chatWith, "with", "w", "", "Open the conversation with this user on start")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	c := client.New(args[0], tokenSource(), client.WSDialer{URL: websocketURL()})
	defer c.Close()

	s := &session{client: c, out: cmd.OutOrStdout(), printed: make(map[string]string), typing: make(map[string]bool)}
	c.OnStatus(s.status)
	c.OnChange(s.refresh)

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect as %s: %w", args[0], err)
	}
	s.printf("Signed in as %s. Type /help for commands.\n", c.User().DisplayName)
	if chatWith != "" {
		if err := s.open(ctx, chatWith); err != nil {
			return err
		}
	} else {
		s.chats()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := s.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// session prints what changed in the client since the last refresh.
type session struct {
	client *client.Client
	out    io.Writer

	mu      sync.Mutex
	printed map[string]string
	typing  map[string]bool
}

func (s *session) printf(format string, a ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, a...)
}

func (s *session) status(evt client.StatusEvent) {
	s.printf("%s\n", terminal.FormatStatus(evt))
}

func (s *session) refresh() {
	me := s.client.User().ID
	peer := s.client.Selected()
	msgs := s.client.Messages(peer)
	typing := peer != "" && s.client.IsTyping(peer)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if client.IsProvisional(m.ID) {
			continue
		}
		receipt := terminal.Receipt(m)
		prev, seen := s.printed[m.ID]
		switch {
		case !seen:
			fmt.Fprintln(s.out, terminal.FormatMessage(m, me))
		case prev != receipt && m.Sender.ID == me:
			fmt.Fprintf(s.out, "  %s %q\n", receipt, m.Content)
		}
		s.printed[m.ID] = receipt
	}
	if typing != s.typing[peer] {
		s.typing[peer] = typing
		if typing {
			fmt.Fprintf(s.out, "* %s is typing...\n", peer)
		}
	}
}

func (s *session) chats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	terminal.DisplayChats(s.out, s.client.Chats())
}

func (s *session) open(ctx context.Context, peer string) error {
	if err := s.client.StartChat(ctx, peer); err != nil {
		return fmt.Errorf("open chat with %s: %w", peer, err)
	}
	s.printf("--- conversation with %s ---\n", peer)
	s.refresh()
	return nil
}

// handle runs one input line and reports whether the user asked to quit.
func (s *session) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		s.send(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/chats":
		s.chats()
	case "/open":
		if len(fields) != 2 {
			s.printf("usage: /open <user>\n")
			return false
		}
		if err := s.open(ctx, fields[1]); err != nil {
			s.printf("error: %v\n", err)
		}
	case "/who":
		if len(fields) != 2 {
			s.printf("usage: /who <user>\n")
			return false
		}
		st, ok := s.client.Presence(fields[1])
		switch {
		case !ok:
			s.printf("%s: unknown\n", fields[1])
		case st.Status == domain.PresenceOffline && st.LastSeen != nil:
			s.printf("%s: offline, last seen %s\n", fields[1], st.LastSeen.Local().Format("2006-01-02 15:04"))
		default:
			s.printf("%s: %s\n", fields[1], st.Status)
		}
	case "/help":
		s.printf("%s\n", chatHelp)
	default:
		s.printf("unknown command %s, try /help\n", fields[0])
	}
	return false
}

func (s *session) send(ctx context.Context, content string) {
	peer := s.client.Selected()
	if peer == "" {
		s.printf("no conversation open, use /open <user>\n")
		return
	}
	if _, err := s.client.SendMessage(ctx, peer, content); err != nil {
		s.printf("error: message not sent: %v\n", err)
	}
}

const chatHelp = `/open <user>   open a conversation
/chats         list conversations
/who <user>    show a user's presence
/quit          leave`
