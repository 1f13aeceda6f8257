// Package main is the peermail command line client: an email-like view over
// a peer-to-peer encrypted message network, backed here by the local
// loopback network client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/peermail/peermail/internal/config"
	"github.com/peermail/peermail/internal/envelope"
	"github.com/peermail/peermail/internal/inbox"
	"github.com/peermail/peermail/internal/logging"
	"github.com/peermail/peermail/internal/names"
	"github.com/peermail/peermail/internal/network"
	"github.com/peermail/peermail/internal/readiness"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
	flagSubject   string
	flagSearch    string
)

func main() {
	root := &cobra.Command{
		Use:           "peermail",
		Short:         "An email-like inbox over a peer-to-peer encrypted message network",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default is $HOME/.config/peermail/config.yaml)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override logging level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "override logging format (json, console)")

	inboxCmd := &cobra.Command{
		Use:   "inbox",
		Short: "Show the conversation list",
		Args:  cobra.NoArgs,
		RunE:  runInbox,
	}
	inboxCmd.Flags().StringVar(&flagSearch, "search", "", "filter conversations by label")

	sendCmd := &cobra.Command{
		Use:   "send <recipient> <body>",
		Short: "Send a message to an address, inbox id, or name",
		Args:  cobra.ExactArgs(2),
		RunE:  runSend,
	}
	sendCmd.Flags().StringVar(&flagSubject, "subject", "", "message subject")

	readCmd := &cobra.Command{
		Use:   "read <conversation-id>",
		Short: "Show a conversation's messages",
		Args:  cobra.ExactArgs(1),
		RunE:  runRead,
	}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream new messages until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}

	deliverCmd := &cobra.Command{
		Use:    "deliver <conversation-id> <body>",
		Short:  "Inject a peer message into the local network (development aid)",
		Args:   cobra.ExactArgs(2),
		Hidden: true,
		RunE:   runDeliver,
	}

	root.AddCommand(inboxCmd, sendCmd, readCmd, watchCmd, deliverCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// session is everything a command needs: a ready client and a loaded store.
type session struct {
	cfg    *config.Config
	client *network.LocalClient
	store  *inbox.Store
}

func openSession(ctx context.Context, onMessage func(inbox.Conversation, network.Message)) (*session, error) {
	loader := config.NewLoader()
	if flagConfig != "" {
		loader.SetConfigFile(flagConfig)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Logging.Format = flagLogFormat
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	inboxID := strings.TrimSpace(cfg.Network.InboxID)
	if inboxID == "" {
		inboxID = "local"
	}

	var local *network.LocalClient
	seq := readiness.NewSequencer(readiness.Config{
		StallThreshold: cfg.Readiness.StallThreshold,
		InitClient: func(context.Context) (network.Client, error) {
			opened, err := network.OpenLocalClient(network.LocalClientConfig{
				Path:            cfg.Network.DBPath,
				InboxID:         inboxID,
				SubscribeBuffer: cfg.Sync.SubscribeBuffer,
			})
			if err != nil {
				return nil, err
			}
			local = opened
			return opened, nil
		},
		OnChange: func(st readiness.Status) {
			if st.SecuritySlow || st.ClientSlow {
				startupLogger := logging.Component("startup")
				startupLogger.Info().Msg("taking longer than usual")
			}
		},
	})
	if err := seq.Run(ctx, "local"); err != nil {
		return nil, err
	}
	client, _ := seq.Client()

	store := inbox.NewStore(client, names.NewStaticResolver(nil), inbox.Config{
		BridgeDomain:        cfg.Bridge.Domain,
		BulkLoadParallelism: cfg.Sync.BulkLoadParallelism,
		NegativeCacheTTL:    cfg.Sync.NegativeCacheTTL,
		OnStreamMessage:     onMessage,
	})
	if err := store.BulkLoad(ctx); err != nil {
		store.Close()
		_ = client.Close()
		return nil, err
	}

	return &session{cfg: cfg, client: local, store: store}, nil
}

func (s *session) close() {
	s.store.Close()
	_ = s.client.Close()
}

func runInbox(cmd *cobra.Command, _ []string) error {
	sess, err := openSession(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer sess.close()

	items := sess.store.Project(flagSearch)
	for _, item := range items {
		marker := " "
		if item.Welcome {
			marker = "*"
		}
		when := ""
		if !item.LastActivity.IsZero() {
			when = item.LastActivity.Local().Format("2006-01-02 15:04")
		}
		fmt.Printf("%s %-28s %-40s %s\n", marker, item.ID, item.Label, when)
		if item.Preview != "" {
			fmt.Printf("    %s\n", item.Preview)
		}
	}
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer sess.close()

	draft := envelope.Draft{
		Subject: flagSubject,
		Body:    args[1],
		From:    sess.client.InboxID(),
		To:      args[0],
	}
	msg, err := sess.store.SendNew(cmd.Context(), args[0], draft)
	if err != nil {
		return err
	}
	fmt.Printf("sent %s to conversation %s\n", msg.ID, msg.ConversationID)
	return nil
}

func runRead(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer sess.close()

	conversationID := args[0]
	if conversationID == inbox.WelcomeID {
		fmt.Println(inbox.WelcomeBody())
		return nil
	}

	record, ok := sess.store.Conversation(conversationID)
	if !ok {
		return fmt.Errorf("unknown conversation %q", conversationID)
	}

	conv, err := sess.client.ConversationByID(cmd.Context(), conversationID)
	if err != nil {
		return err
	}
	messages, err := conv.Messages(cmd.Context(), network.MessageQuery{})
	if err != nil {
		return err
	}
	sess.store.AppendMessages(conversationID, messages...)

	fmt.Printf("conversation with %s\n\n", record.DisplayLabel())
	for _, msg := range sess.store.Messages(conversationID) {
		printMessage(msg)
	}
	return nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := openSession(ctx, func(record inbox.Conversation, msg network.Message) {
		fmt.Printf("from %s\n", record.DisplayLabel())
		printMessage(msg)
	})
	if err != nil {
		return err
	}
	defer sess.close()

	if err := sess.store.OpenLiveStreams(ctx); err != nil {
		return err
	}
	defer sess.store.CloseLiveStreams()

	fmt.Println("watching for new messages (ctrl-c to stop)")
	<-ctx.Done()
	return nil
}

func runDeliver(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer sess.close()

	msg, err := sess.client.DeliverMessage(cmd.Context(), args[0], args[1], time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("delivered %s\n", msg.ID)
	return nil
}

func printMessage(msg network.Message) {
	decoded := envelope.Decode(msg.Content)
	when := msg.SentAt().Local().Format("2006-01-02 15:04:05")
	if decoded.Email {
		subject := decoded.Envelope.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		fmt.Printf("[%s] %s: %s\n    %s\n", when, msg.SenderInboxID, subject, decoded.Envelope.Body)
		return
	}
	fmt.Printf("[%s] %s\n    %s\n", when, msg.SenderInboxID, decoded.Text)
}
