package main

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/reconcile"
)

var deleteTimeout time.Duration

func init() {
	deleteCmd.Flags().DurationVar(&deleteTimeout, "timeout", 10*time.Second, "how long to wait for the server to confirm")
	rootCmd.AddCommand(deleteCmd)
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id> <message-id>...",
	Short: "Delete messages and wait for the server to confirm",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, ids := args[0], args[1:]
		ctx, client, stop, err := openConversation(cmd, convID, deleteTimeout)
		if err != nil {
			return err
		}
		defer stop()

		deleted := client.Bus.Subscribe(bus.KindMessageDeleted, 16)
		defer deleted.Close()

		if err := client.Delete(convID, ids); err != nil {
			return err
		}
		remaining := slices.Clone(ids)
		err = awaitEvent(ctx, deleted, func(evt bus.Event) bool {
			change, ok := evt.Payload.(reconcile.DeleteChange)
			if !ok || change.ConversationID != convID {
				return false
			}
			remaining = slices.DeleteFunc(remaining, func(id string) bool {
				return slices.Contains(change.MessageIDs, id)
			})
			return len(remaining) == 0
		})
		if err != nil {
			return fmt.Errorf("deletion of %v not confirmed: %w", remaining, err)
		}
		if jsonFlag {
			printJSON(reconcile.DeleteChange{ConversationID: convID, MessageIDs: ids})
			return nil
		}
		fmt.Printf("Deleted %d message(s) from conversation %s\n", len(ids), convID)
		return nil
	},
}
