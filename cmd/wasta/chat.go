package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wasta-market/wasta-chat/internal/backend/remote"
	"github.com/wasta-market/wasta-chat/internal/chatsync"
	"github.com/wasta-market/wasta-chat/internal/log"
)

const chatRequestTimeout = 10 * time.Second

type chatOptions struct {
	server   string
	token    string
	username string
	password string
	roomID   int64
}

func newChatCmd() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "List your conversations and chat in one of them",
		Long: "Connects to a wasta server, prints the conversation list and, with --room,\n" +
			"opens that conversation and sends every line typed on stdin.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token")
	cmd.Flags().StringVar(&opts.username, "username", "", "log in with this username when no token is given")
	cmd.Flags().StringVar(&opts.password, "password", "", "password for --username")
	cmd.Flags().Int64Var(&opts.roomID, "room", 0, "conversation to open")
	return cmd
}

func runChat(parent context.Context, opts chatOptions, in io.Reader, out io.Writer) error {
	level := logLevel
	if level == "" {
		level = "warn"
	}
	logger := log.NewWithWriter(level, os.Stderr)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	token := opts.token
	if token == "" {
		if opts.username == "" {
			return errors.New("either --token or --username is required")
		}
		reqCtx, cancel := context.WithTimeout(ctx, chatRequestTimeout)
		resp, err := remote.Login(reqCtx, opts.server, opts.username, opts.password)
		cancel()
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		token = resp.Token
	}

	client := remote.New(opts.server, token, log.Component(logger, "remote"))
	defer client.Close()

	reqCtx, cancel := context.WithTimeout(ctx, chatRequestTimeout)
	me, err := client.Me(reqCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}

	cs := chatsync.New(client, chatsync.Session{UserID: me.ID, Username: me.Username, Token: token}, chatsync.Options{
		Logger: log.Component(logger, "chatsync"),
	})
	defer cs.Close()

	reqCtx, cancel = context.WithTimeout(ctx, chatRequestTimeout)
	err = cs.Start(reqCtx)
	cancel()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Signed in as %s (%s)\n", me.DisplayName, me.Role)
	printRooms(out, cs)
	if opts.roomID == 0 {
		return nil
	}

	reqCtx, cancel = context.WithTimeout(ctx, chatRequestTimeout)
	err = cs.SelectRoom(reqCtx, opts.roomID)
	cancel()
	if err != nil {
		return fmt.Errorf("open room %d: %w", opts.roomID, err)
	}

	printer := &transcript{out: out, cs: cs}
	printer.flush()
	fmt.Fprintln(out, "Type messages and press Enter to send. Ctrl+C to exit.")

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-cs.Updates():
				if !ok {
					return
				}
				printer.flush()
			}
		}
	}()

	return sendLines(ctx, cs, in, logger)
}

func sendLines(ctx context.Context, cs *chatsync.Sync, in io.Reader, logger *zerolog.Logger) error {
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
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			reqCtx, cancel := context.WithTimeout(ctx, chatRequestTimeout)
			_, err := cs.SendMessage(reqCtx, line)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Msg("send message")
			}
		}
	}
}

func printRooms(out io.Writer, cs *chatsync.Sync) {
	rooms := cs.Rooms()
	if len(rooms) == 0 {
		fmt.Fprintln(out, "No conversations yet.")
		return
	}
	for _, room := range rooms {
		peer := room.Counterpart(cs.UserID())
		preview := "(no messages)"
		if room.LastMessage != nil {
			preview = room.LastMessage.Text
		}
		title := ""
		if room.ServiceTitle != "" {
			title = " [" + room.ServiceTitle + "]"
		}
		fmt.Fprintf(out, "#%d %s%s unread=%d: %s\n", room.ID, peer.DisplayName, title, room.Unread, preview)
	}
}

// transcript prints messages of the open room that were not printed yet.
type transcript struct {
	out    io.Writer
	cs     *chatsync.Sync
	lastID int64
}

func (t *transcript) flush() {
	me := t.cs.UserID()
	for _, msg := range t.cs.Messages() {
		if msg.ID <= t.lastID {
			continue
		}
		who := "them"
		if msg.SenderID == me {
			who = "me"
		}
		fmt.Fprintf(t.out, "[%s] %s: %s\n", msg.SentAt.Local().Format("15:04"), who, msg.Text)
		t.lastID = msg.ID
	}
}
