package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/ashureev/confchat/internal/chat"
	"github.com/ashureev/confchat/internal/config"
	"github.com/ashureev/confchat/internal/reveal"
	"github.com/ashureev/confchat/internal/session"
	"github.com/ashureev/confchat/internal/transcript"
	"github.com/ashureev/confchat/internal/transport"
)

const renderInterval = 50 * time.Millisecond

var errQuit = errors.New("quit")

func runInteractive(ctx context.Context, cfg *config.ClientConfig, in io.Reader, out io.Writer) error {
	logger := slog.Default()

	transcripts, err := transcript.NewLogger(transcript.Config{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := transcripts.Close(); closeErr != nil {
			logger.Warn("Failed to close transcript logger", "error", closeErr)
		}
	}()

	con := &console{out: out}
	mgr := transport.NewManager(transport.WebSocketDialer{}, transport.WithLogger(logger))
	defer mgr.Close()

	revealCfg := reveal.DefaultConfig()
	revealCfg.Interval = cfg.RevealInterval

	client := chat.NewClient(mgr, session.NewStore(),
		chat.WithConfig(chat.Config{
			BaseURL:     cfg.SiteURL,
			Locale:      cfg.Locale,
			Language:    cfg.Language,
			Streaming:   cfg.Streaming,
			EmitTimeout: cfg.EmitTimeout,
		}),
		chat.WithRevealConfig(revealCfg),
		chat.WithNavigator(terminalNavigator{con: con}),
		chat.WithConfirmationPrompter(terminalPrompter{con: con}),
		chat.WithTranscript(transcripts),
		chat.WithLogger(logger),
	)
	defer client.Close()

	mgr.Configure(transport.Options{URL: cfg.ServerURL, Token: cfg.Token, Enabled: true})
	con.println("connecting to", cfg.ServerURL, "(type /help for commands)")

	lines := make(chan string)
	go readLines(ctx, in, lines)

	r := &repl{client: client, con: con, render: newRenderer(con)}
	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := r.handle(ctx, line); errors.Is(err, errQuit) {
				return nil
			}
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func readLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

// repl turns input lines into client actions.
type repl struct {
	client *chat.Client
	con    *console
	render *renderer

	autoLoaded bool
	wasUp      bool
}

func (r *repl) tick(ctx context.Context) {
	store := r.client.Store()
	snap := store.Snapshot()
	r.render.render(snap, r.client.StreamingID())

	up := snap.Connection.CanAct()
	if up != r.wasUp {
		r.wasUp = up
		if up {
			r.con.println("connected as", snap.Connection.UserID)
		}
	}

	// Reopen the most recent conversation once the directory arrives.
	if !r.autoLoaded && up && snap.ActiveConversation == "" && len(snap.Messages) == 0 && len(snap.Conversations) > 0 {
		r.autoLoaded = true
		if err := r.client.LoadConversation(ctx, snap.Conversations[0].ID); err != nil {
			slog.Debug("Auto-load failed", "error", err)
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) error {
	cmd, err := parseCommand(line)
	if err != nil {
		r.con.println(err)
		return nil
	}

	store := r.client.Store()
	target := func() (string, bool) {
		if cmd.ref == "" {
			if active := store.ActiveConversation(); active != "" {
				return active, true
			}
			r.con.println("no conversation is open")
			return "", false
		}
		id, err := resolveConversation(store.Conversations(), cmd.ref)
		if err != nil {
			r.con.println(err)
			return "", false
		}
		return id, true
	}

	switch cmd.name {
	case "quit":
		return errQuit
	case "help":
		r.con.println(helpText)
		return nil
	case "list":
		r.con.println(formatDirectory(store.Conversations(), store.ActiveConversation()))
		return nil
	case "say":
		if cmd.arg == "" {
			return nil
		}
		r.autoLoaded = true
		err = r.client.SendMessage(ctx, cmd.arg)
	case "new":
		r.autoLoaded = true
		err = r.client.StartNewConversation(ctx)
	case "confirm":
		err = r.client.ConfirmPendingAction(ctx)
	case "cancel":
		err = r.client.CancelPendingAction(ctx)
	default:
		id, ok := target()
		if !ok {
			return nil
		}
		switch cmd.name {
		case "load":
			r.autoLoaded = true
			err = r.client.LoadConversation(ctx, id)
		case "delete":
			err = r.client.DeleteConversation(ctx, id)
		case "clear":
			err = r.client.ClearConversation(ctx, id)
		case "rename":
			err = r.client.RenameConversation(ctx, id, cmd.arg)
		case "pin":
			err = r.client.PinConversation(ctx, id, true)
		case "unpin":
			err = r.client.PinConversation(ctx, id, false)
		}
	}
	if err != nil {
		// The client renders rejected actions into the transcript.
		slog.Debug("Action failed", "command", cmd.name, "error", err)
	}
	return nil
}
