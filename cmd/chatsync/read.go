package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/bus"
)

var readTimeout time.Duration

func init() {
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 10*time.Second, "how long to wait for the server to acknowledge")
	rootCmd.AddCommand(readCmd)
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id> [message-id]",
	Short: "Mark a conversation as read",
	Long:  "Mark the conversation read up to message-id, or up to its newest confirmed message when omitted.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		ctx, client, stop, err := openConversation(cmd, convID, readTimeout)
		if err != nil {
			return err
		}
		defer stop()

		msgID := ""
		if len(args) == 2 {
			msgID = args[1]
		} else {
			msgs := client.Reconciler.Messages(convID)
			for i := len(msgs) - 1; i >= 0; i-- {
				if !msgs[i].Pending {
					msgID = msgs[i].ID
					break
				}
			}
			if msgID == "" {
				return fmt.Errorf("conversation %s has no messages", convID)
			}
		}

		changes := client.Bus.Subscribe(bus.KindConversationChanged, 16)
		defer changes.Close()

		if err := client.MarkRead(convID, msgID); err != nil {
			return err
		}
		err = awaitEvent(ctx, changes, func(evt bus.Event) bool {
			if evt.Key != convID {
				return false
			}
			m, ok := findMessage(client, convID, msgID)
			return ok && m.IsRead
		})
		if err != nil {
			return fmt.Errorf("read receipt for %s not acknowledged: %w", msgID, err)
		}
		if jsonFlag {
			printJSON(map[string]string{"conversation_id": convID, "message_id": msgID})
			return nil
		}
		fmt.Printf("Marked conversation %s read up to %s\n", convID, msgID)
		return nil
	},
}
