package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/dispatch"
	"github.com/matheus3301/chatsync/internal/reconcile"
)

var (
	sendType    string
	sendFile    string
	sendReplyTo string
	sendTimeout time.Duration
)

func init() {
	sendCmd.Flags().StringVar(&sendType, "type", "text", "message type: text, image, audio, video, document, location, contact")
	sendCmd.Flags().StringVar(&sendFile, "file", "", "attachment URL for non-text messages")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "id of the message being replied to")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "how long to wait for the server to confirm")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message and wait for the server to confirm it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		ctx, client, stop, err := openConversation(cmd, convID, sendTimeout)
		if err != nil {
			return err
		}
		defer stop()

		events := client.Bus.Subscribe(bus.KindMessageConfirmed, 16)
		defer events.Close()

		draft := dispatch.Draft{
			ConversationID: convID,
			Content:        strings.Join(args[1:], " "),
			Type:           sendType,
			File:           sendFile,
			ReplyToID:      sendReplyTo,
		}
		pending, err := client.Send(draft)
		if err != nil {
			return err
		}

		var confirmed reconcile.Message
		err = awaitEvent(ctx, events, func(evt bus.Event) bool {
			change, ok := evt.Payload.(reconcile.MessageChange)
			if !ok || change.TempID != pending.ID {
				return false
			}
			confirmed = change.Message
			return true
		})
		if err != nil {
			return fmt.Errorf("message %s not confirmed: %w", pending.ID, err)
		}
		if jsonFlag {
			printJSON(confirmed)
		} else {
			fmt.Printf("Sent message %s to conversation %s\n", confirmed.ID, convID)
		}
		return nil
	},
}
