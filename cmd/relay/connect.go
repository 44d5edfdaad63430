package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/kelseyhightower/envconfig"
	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/hybridchat/internal/protocol"
	"github.com/Tyrowin/hybridchat/internal/reconnect"
)

// clientConfig is read from the environment; flags override it.
type clientConfig struct {
	URL         string        `envconfig:"RELAY_URL" default:"ws://localhost:8080/ws"`
	User        string        `envconfig:"RELAY_USER"`
	BaseDelay   time.Duration `envconfig:"RELAY_BASE_DELAY" default:"3s"`
	MaxDelay    time.Duration `envconfig:"RELAY_MAX_DELAY" default:"30s"`
	Jitter      time.Duration `envconfig:"RELAY_JITTER" default:"1s"`
	MaxAttempts int           `envconfig:"RELAY_MAX_ATTEMPTS" default:"10"`
	LogLevel    string        `envconfig:"RELAY_LOG_LEVEL" default:"ERROR"`
}

func loadClientConfig() (clientConfig, error) {
	var cfg clientConfig
	err := envconfig.Process("", &cfg)
	return cfg, err
}

func (c clientConfig) policy() reconnect.Policy {
	return reconnect.Policy{
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		Jitter:      c.Jitter,
		MaxAttempts: c.MaxAttempts,
	}
}

func newConnectCommand() *cobra.Command {
	var url, user string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Chat from the terminal, reconnecting automatically",
		Long: `Reads lines from stdin and sends them to the relay.

  /msg <user> <text>         private message
  /group <groupId> <text>    group message
  /create <name>             create a group
  /join <groupId>            join a group
  /history [private <user> | group <groupId>] [limit]
  /logout                    leave and exit
  anything else              broadcast to everyone`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadClientConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if cmd.Flags().Changed("url") {
				cfg.URL = url
			}
			if cmd.Flags().Changed("user") {
				cfg.User = user
			}
			if strings.TrimSpace(cfg.User) == "" {
				return errors.New("a user id is required (--user or RELAY_USER)")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runClient(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "relay WebSocket URL, overrides RELAY_URL")
	cmd.Flags().StringVarP(&user, "user", "u", "", "identity to log in as, overrides RELAY_USER")

	return cmd
}

func runClient(ctx context.Context, cfg clientConfig, in io.Reader, out io.Writer) error {
	log := logs.GetLoggerFromString(cfg.LogLevel)
	p := &printer{out: out, self: cfg.User}

	ctrl := reconnect.New(cfg.URL, cfg.User, reconnect.WSDialer{},
		reconnect.WithPolicy(cfg.policy()),
		reconnect.WithLogger(log),
		reconnect.OnState(p.status),
		reconnect.OnEnvelope(p.envelope),
	)

	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			cmd, err := parseCommand(scanner.Text())
			if err != nil {
				p.notice(color.FgRed, err.Error())
				continue
			}
			if cmd.logout {
				_ = ctrl.Logout()
				return
			}
			if cmd.envelope == nil {
				continue
			}
			if err := ctrl.Send(cmd.envelope); err != nil {
				p.notice(color.FgYellow, "not sent: "+err.Error())
			}
		}
		_ = ctrl.Logout()
	}()

	err := ctrl.Run(ctx)
	if errors.Is(err, context.Canceled) {
		_ = ctrl.Logout()
		return nil
	}
	return err
}

// command is one parsed input line.
type command struct {
	envelope any
	logout   bool
}

type outbound struct {
	Type    string `json:"type"`
	To      string `json:"to,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
	Scope   string `json:"scope,omitempty"`
	With    string `json:"with,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return command{envelope: outbound{Type: protocol.TypeChat, Content: line}}, nil
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/msg":
		to, text, ok := cutWord(rest)
		if !ok {
			return command{}, errors.New("usage: /msg <user> <text>")
		}
		return command{envelope: outbound{Type: protocol.TypePrivateChat, To: to, Content: text}}, nil
	case "/group":
		groupID, text, ok := cutWord(rest)
		if !ok {
			return command{}, errors.New("usage: /group <groupId> <text>")
		}
		return command{envelope: outbound{Type: protocol.TypeGroupChat, GroupID: groupID, Content: text}}, nil
	case "/create":
		if rest == "" {
			return command{}, errors.New("usage: /create <name>")
		}
		return command{envelope: outbound{Type: protocol.TypeCreateGroup, Name: rest}}, nil
	case "/join":
		if rest == "" || strings.Contains(rest, " ") {
			return command{}, errors.New("usage: /join <groupId>")
		}
		return command{envelope: outbound{Type: protocol.TypeJoinGroup, GroupID: rest}}, nil
	case "/history":
		return parseHistory(rest)
	case "/logout":
		return command{logout: true}, nil
	default:
		return command{}, fmt.Errorf("unknown command %s", name)
	}
}

func parseHistory(args string) (command, error) {
	req := outbound{Type: protocol.TypeGetHistory}
	fields := strings.Fields(args)

	if len(fields) > 0 {
		switch fields[0] {
		case "private", "group":
			if len(fields) < 2 {
				return command{}, fmt.Errorf("usage: /history %s <id> [limit]", fields[0])
			}
			req.Scope = fields[0]
			if req.Scope == "private" {
				req.With = fields[1]
			} else {
				req.GroupID = fields[1]
			}
			fields = fields[2:]
		}
	}
	if len(fields) > 0 {
		limit, err := strconv.Atoi(fields[0])
		if err != nil || limit < 0 {
			return command{}, fmt.Errorf("invalid history limit %q", fields[0])
		}
		req.Limit = limit
	}
	return command{envelope: req}, nil
}

func cutWord(s string) (string, string, bool) {
	word, rest, ok := strings.Cut(s, " ")
	rest = strings.TrimSpace(rest)
	return word, rest, ok && word != "" && rest != ""
}

// printer renders envelopes and status changes. Callbacks arrive from the
// controller goroutine while the input loop may report errors.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	self string
}

func (p *printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.out, s)
}

func (p *printer) notice(c color.Color, s string) {
	p.println(c.Render(s))
}

func (p *printer) status(s reconnect.Status) {
	switch s.State {
	case reconnect.StateConnecting:
		p.notice(color.FgCyan, "connecting...")
	case reconnect.StateOpen:
		p.notice(color.FgGreen, "connected")
	case reconnect.StateClosed:
		p.notice(color.FgYellow, fmt.Sprintf("connection lost, retry %d in %s", s.Attempt, s.Delay.Round(time.Millisecond)))
	case reconnect.StateExhausted:
		p.notice(color.FgRed, "could not reach the relay, manual refresh required")
	case reconnect.StateIdle:
		p.notice(color.FgCyan, "disconnected")
	}
}

func (p *printer) envelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHistoryResponse:
		for _, m := range env.Messages {
			p.println(p.format(m))
		}
		hasMore := env.HasMore != nil && *env.HasMore
		total := 0
		if env.Total != nil {
			total = *env.Total
		}
		p.notice(color.FgCyan, fmt.Sprintf("history: %d of %d shown, more: %t", len(env.Messages), total, hasMore))
	case protocol.TypeError:
		p.notice(color.FgRed, fmt.Sprintf("error (%s): %s", env.Code, env.Error))
	default:
		p.println(p.format(env))
	}
}

func (p *printer) format(env protocol.Envelope) string {
	stamp := ""
	if env.Timestamp != nil {
		stamp = env.Timestamp.Local().Format("15:04") + " "
	}
	body := env.Content
	if env.File != nil {
		body = strings.TrimSpace(fmt.Sprintf("%s [file %s %s]", body, env.File.FileName, env.File.URL))
	}
	from := color.New(color.OpBold, color.FgBlue).Render(env.From)

	switch env.Type {
	case protocol.TypeChat:
		return stamp + from + ": " + body
	case protocol.TypeChatSent:
		return stamp + "you: " + body
	case protocol.TypePrivateChat:
		if env.From == p.self {
			return stamp + color.FgMagenta.Render("[private to "+env.To+"]") + " you: " + body
		}
		return stamp + color.FgMagenta.Render("[private]") + " " + from + ": " + body
	case protocol.TypePrivateChatSent:
		return stamp + color.FgMagenta.Render("[private to "+env.To+"]") + " you: " + body
	case protocol.TypeGroupChat:
		return stamp + color.FgGreen.Render("["+env.GroupID+"]") + " " + from + ": " + body
	case protocol.TypeGroupChatSent:
		return stamp + color.FgGreen.Render("["+env.GroupID+"]") + " you: " + body
	case protocol.TypeLoginSuccess:
		return color.FgGreen.Render("logged in as " + env.UserID)
	case protocol.TypeGroupCreated:
		return color.FgGreen.Render(fmt.Sprintf("created group %s (%s)", env.GroupName, env.GroupID))
	case protocol.TypeJoinGroupSuccess:
		return color.FgGreen.Render(fmt.Sprintf("joined group %s (%s)", env.GroupName, env.GroupID))
	case protocol.TypeUserJoinedGroup:
		return color.FgCyan.Render(fmt.Sprintf("%s joined %s", env.UserID, env.GroupID))
	case protocol.TypeUserLeft:
		return color.FgCyan.Render(env.UserID + " left")
	default:
		return fmt.Sprintf("%s %s", env.Type, body)
	}
}
