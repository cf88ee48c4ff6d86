package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"lucasmed.com/chat-engine/internal/auth"
	"lucasmed.com/chat-engine/internal/client"
	"lucasmed.com/chat-engine/internal/config"
	"lucasmed.com/chat-engine/internal/logger"
	"lucasmed.com/chat-engine/internal/storeclient"
	"lucasmed.com/chat-engine/internal/tui"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open your conversation in the terminal",
	Long: `Connects to a running server and opens the conversation owned by the
token's user. Replies stream in as they are generated; a reply that was
generated but could not be saved is kept in a local outbox and can be
saved later with /retry.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().String("token", "", "Access token (default $LUCASMED_TOKEN)")
	chatCmd.Flags().String("server", "", "Server URL (default $LUCASMED_SERVER_URL)")
	chatCmd.Flags().String("name", "", "Display name used in the greeting")
	chatCmd.Flags().String("log-file", "lucasmed-chat.log", "Where to write client logs")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// The terminal belongs to the UI, so logs go to a file.
	logPath, _ := cmd.Flags().GetString("log-file")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	logger.New(cfg.LogLevel, "json", logFile)

	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = cfg.Token
	}
	if token == "" {
		return errors.New("an access token is required: pass --token or set LUCASMED_TOKEN")
	}
	serverURL, _ := cmd.Flags().GetString("server")
	if serverURL == "" {
		serverURL = cfg.ServerURL
	}
	name, _ := cmd.Flags().GetString("name")

	conversationID, err := auth.Subject(token)
	if err != nil {
		return err
	}

	outbox, err := client.OpenOutbox(cfg.OutboxPath)
	if err != nil {
		return err
	}
	defer outbox.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := client.NewSession(
		storeclient.New(serverURL, token, nil),
		client.NewRelayClient(serverURL, token, nil),
		client.Options{
			ConversationID: conversationID,
			DisplayName:    name,
			PageSize:       cfg.PageSize,
			ContextTurns:   cfg.ContextTurns,
			Outbox:         outbox,
		},
	)
	if err := session.Open(ctx); err != nil {
		return err
	}
	defer session.Close()

	log.Info().Str("server", serverURL).Str("conversation", conversationID).Int("unsaved", session.Unsaved()).Msg("chat session opened")
	return tui.Run(ctx, session, "LucasMed · "+conversationID)
}
