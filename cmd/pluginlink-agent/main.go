// Command pluginlink-agent is the plugin-side peer. It connects to the
// relay's session store, creates or joins a session, answers WebRTC offers
// from the web side, and executes commands arriving on the data channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/draftforge/pluginlink/internal/auth"
	"github.com/draftforge/pluginlink/internal/bridge"
	"github.com/draftforge/pluginlink/internal/command"
	sig "github.com/draftforge/pluginlink/internal/signal"
	"github.com/draftforge/pluginlink/internal/store"
)

func main() {
	fs := flag.NewFlagSet("pluginlink-agent", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	relayURL := fs.String("relay-url", "ws://127.0.0.1:8080/signal", "Relay signaling endpoint")
	sessionID := fs.String("session", "", "Session id to join; empty creates a new session")
	projectID := fs.String("project", "", "Project id stamped onto a created session")
	userID := fs.String("user", "", "User id for session ownership (ignored when --token is set)")
	apiKey := fs.String("api-key", "", "API key credential for the relay")
	token := fs.String("token", "", "JWT credential for the relay")
	logJSON := fs.Bool("log-json", false, "Log in JSON format")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			return
		}
		os.Exit(2)
	}

	var handler slog.Handler
	if *logJSON {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, nil)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *relayURL, *sessionID, *projectID, *userID, *apiKey, *token); err != nil {
		logger.Error("agent failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, relayURL, sessionID, projectID, userID, apiKey, token string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	remote, err := store.DialRemote(dialCtx, store.RemoteConfig{
		URL:    relayURL,
		APIKey: apiKey,
		Token:  token,
		Logger: logger,
	})
	cancel()
	if err != nil {
		return err
	}
	defer remote.Close()

	var identity auth.Provider
	if token != "" {
		identity = auth.TokenProvider{Token: token}
	} else {
		identity = auth.Static{UserID: userID}
	}

	client, err := bridge.New(bridge.Config{
		Store:    remote,
		Identity: identity,
		Tag:      sig.SenderPlugin,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	unsubscribe := client.OnMessageReceived(func(in command.Inbound) {
		if in.Type != command.FrameTypeCommand || in.Command == nil {
			logger.Debug("message received", "type", in.Type)
			return
		}
		go execute(logger, client, *in.Command)
	})
	defer unsubscribe()

	if sessionID == "" {
		id, err := client.CreateSession(ctx, projectID)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		logger.Info("session created; waiting for web peer", "session_id", id)
	} else {
		if err := client.JoinSession(ctx, sessionID); err != nil {
			return fmt.Errorf("join session %s: %w", sessionID, err)
		}
		logger.Info("session joined; waiting for offer", "session_id", sessionID)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	client.EndSession()
	return nil
}

// execute runs one received command and reports the result back over the
// data channel.
func execute(logger *slog.Logger, client *bridge.Client, cmd command.Command) {
	logger.Info("command received", "command_id", cmd.ID, "command_type", cmd.Type)

	cmd.Status = command.StatusExecuting
	progress := 0.5
	cmd.Progress = &progress

	// Placeholder executor: acknowledge the command types the protocol
	// defines without a real design tool behind them.
	switch cmd.Type {
	case command.TypeGenerate, command.TypeModify, command.TypeAnalyze, command.TypeExport:
		done := time.Now().UnixMilli()
		cmd.Status = command.StatusCompleted
		cmd.Result = map[string]any{"acknowledged": true}
		cmd.DoneAt = &done
	default:
		done := time.Now().UnixMilli()
		cmd.Status = command.StatusError
		cmd.Error = fmt.Sprintf("unsupported command type %q", cmd.Type)
		cmd.DoneAt = &done
	}
	full := 1.0
	cmd.Progress = &full

	if err := client.RespondCommand(cmd); err != nil {
		logger.Warn("failed to send command response", "command_id", cmd.ID, "err", err)
	}
}
