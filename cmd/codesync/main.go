// Command codesync is a terminal participant. Lines typed on stdin replace
// the shared buffer; ":cursor L C" moves the cursor and ":leave" quits the
// room.
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
	"syscall"

	"github.com/google/uuid"
	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"

	"github.com/Arvindchoudhary21/editor/client"
	"github.com/Arvindchoudhary21/editor/config"
	"github.com/Arvindchoudhary21/editor/domain"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		color.Error.Println(err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var flags config.Client

	cmd := &cobra.Command{
		Use:           "codesync",
		Short:         "Join a shared editing room from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg, flags)
			if cfg.Room == "" {
				cfg.Room = uuid.New().String()
				color.Info.Printf("created room %s\n", cfg.Room)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&flags.URL, "url", "", "Relay websocket URL (or CODESYNC_URL)")
	cmd.Flags().StringVar(&flags.Room, "room", "", "Room id; a new one is generated when empty (or CODESYNC_ROOM)")
	cmd.Flags().StringVar(&flags.Username, "username", "", "Display name (or CODESYNC_USERNAME)")
	cmd.Flags().DurationVar(&flags.SnapshotTimeout, "snapshot-timeout", 0, "How long to wait for the room's current code (or SNAPSHOT_TIMEOUT)")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "Log level (or LOG_LEVEL)")
	return cmd
}

// applyFlags overrides cfg with the flags given on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Client, flags config.Client) {
	set := cmd.Flags().Changed
	if set("url") {
		cfg.URL = flags.URL
	}
	if set("room") {
		cfg.Room = flags.Room
	}
	if set("username") {
		cfg.Username = flags.Username
	}
	if set("snapshot-timeout") {
		cfg.SnapshotTimeout = flags.SnapshotTimeout
	}
	if set("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
}

func run(ctx context.Context, cfg config.Client, in io.Reader, out io.Writer) error {
	buffer := client.NewTextBuffer("")
	buffer.OnChange(func(text string) {
		color.Fprintf(out, "<gray>--- buffer ---</>\n%s\n", text)
	})

	session, err := client.Dial(ctx, cfg.URL, buffer, client.Options{
		Log:             logs.GetLoggerFromString(cfg.LogLevel),
		SnapshotTimeout: cfg.SnapshotTimeout,
		Handlers: client.Handlers{
			OnJoined: func(e client.JoinedEvent) {
				if e.Self {
					color.Fprintf(out, "<green>joined as %s</> (%d in room)\n", e.Username, len(e.Members))
					return
				}
				color.Fprintf(out, "<cyan>%s joined</>\n", e.Username)
			},
			OnLeft: func(m domain.Member) {
				color.Fprintf(out, "<cyan>%s left</>\n", m.Username)
			},
			OnAdvisory: func(a client.Advisory) {
				color.Fprintf(out, "<yellow>%s (%s, line %d)</>\n", a.Message, a.Username, a.Line+1)
			},
			OnError: func(err error) {
				color.Fprintf(out, "<red>%s</>\n", err)
			},
		},
	})
	if err != nil {
		return err
	}
	defer session.Close()

	if _, err := session.Join(ctx, cfg.Room, cfg.Username); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
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
			done, err := execute(session, buffer, line)
			if err != nil {
				color.Fprintf(out, "<red>%s</>\n", err)
			}
			if done {
				return nil
			}
		}
	}
}

// execute applies one input line and reports whether the session is over.
func execute(session *client.Session, buffer *client.TextBuffer, line string) (bool, error) {
	switch {
	case line == ":leave":
		return true, session.Leave()
	case strings.HasPrefix(line, ":cursor"):
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return false, errors.New("usage: :cursor LINE COLUMN")
		}
		l, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, fmt.Errorf("invalid line: %w", err)
		}
		c, err := strconv.Atoi(fields[2])
		if err != nil {
			return false, fmt.Errorf("invalid column: %w", err)
		}
		session.Do(func() { buffer.SetCursor(client.Position{Line: l - 1, Column: c}) })
		return false, nil
	default:
		session.Do(func() { buffer.Edit(strings.ReplaceAll(line, `\n`, "\n")) })
		return false, nil
	}
}
