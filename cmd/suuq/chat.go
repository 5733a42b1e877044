package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	suuq "github.com/suuq-tech/suuq-go"
)

var (
	chatHistoryJSON  bool
	chatHistoryLimit int

	chatSendJSON bool

	chatWatchIdentity string
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatWatchCmd)

	chatHistoryCmd.Flags().BoolVar(&chatHistoryJSON, "json", false, "output raw JSON")
	chatHistoryCmd.Flags().IntVar(&chatHistoryLimit, "limit", 0, "show only the last N messages")
	chatSendCmd.Flags().BoolVar(&chatSendJSON, "json", false, "output raw JSON")
	chatWatchCmd.Flags().StringVar(&chatWatchIdentity, "identity", "", "identity to connect the realtime socket as")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Conversation commands",
	Long:  "Browse conversation history, send messages, and watch conversations live.",
}

// ============================================================================
// chat history
// ============================================================================

var chatHistoryCmd = &cobra.Command{
	Use:   "history <conversation-ref>",
	Short: "Show the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.Chat().Conversations.Details(ctx, args[0])
		if err != nil {
			return err
		}
		messages, err := client.Chat().Conversations.Messages(ctx, args[0])
		if err != nil {
			return err
		}
		if chatHistoryLimit > 0 && len(messages) > chatHistoryLimit {
			messages = messages[len(messages)-chatHistoryLimit:]
		}

		if chatHistoryJSON {
			return json.NewEncoder(os.Stdout).Encode(messages)
		}

		title := conv.Reference
		if conv.Title != "" {
			title = conv.Title
		}
		fmt.Printf("%s (%d messages)\n\n", title, len(messages))
		for i := range messages {
			printMessage(&messages[i])
		}
		return nil
	},
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-ref> <content...>",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		content := strings.Join(args[1:], " ")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.Chat().Conversations.Post(ctx, args[0], suuq.MessageDraft{
			Content: content,
			Kind:    suuq.KindText,
		})
		if err != nil {
			return err
		}

		if chatSendJSON {
			return json.NewEncoder(os.Stdout).Encode(msg)
		}
		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

// ============================================================================
// chat watch
// ============================================================================

var chatWatchCmd = &cobra.Command{
	Use:   "watch <conversation-ref>",
	Short: "Watch a conversation live",
	Long:  "Open a conversation, print its history, and stream new messages until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		identity := getIdentity(chatWatchIdentity)
		client := getClient()

		socket := client.Chat().Realtime.Socket(nil)
		defer socket.Disconnect()

		offState := socket.OnStateChange(func(st suuq.SocketState) {
			fmt.Fprintf(os.Stderr, "-- socket %s\n", st)
		})
		defer offState()

		if err := socket.Connect(context.Background(), identity); err != nil {
			return fmt.Errorf("socket connect: %w", err)
		}

		cs := client.Chat().Sync(args[0], socket, nil)
		defer cs.Close()

		// Print each message exactly once, in merge order.
		var printMu sync.Mutex
		printed := make(map[string]bool)
		flush := func() {
			printMu.Lock()
			defer printMu.Unlock()
			for _, m := range cs.Messages() {
				if printed[m.ID] {
					continue
				}
				printed[m.ID] = true
				printMessage(&m)
			}
		}
		offUpdate := cs.OnUpdate(flush)
		defer offUpdate()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := cs.Open(ctx); err != nil {
			return err
		}
		flush()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		fmt.Fprintln(os.Stderr, "-- closing")
		return nil
	},
}

func printMessage(m *suuq.Message) {
	marker := " "
	switch m.State {
	case suuq.DeliveryPending:
		marker = "?"
	case suuq.DeliveryFailed:
		marker = "!"
	}
	fmt.Printf("%s [%s] %s: %s\n", marker, m.CreatedAt, m.SenderID, m.Content)
}
