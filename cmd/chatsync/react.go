package main

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/bus"
)

var reactTimeout time.Duration

func init() {
	reactCmd.Flags().DurationVar(&reactTimeout, "timeout", 10*time.Second, "how long to wait for the server to confirm")
	rootCmd.AddCommand(reactCmd)
}

var reactCmd = &cobra.Command{
	Use:   "react <conversation-id> <message-id> <emoji>",
	Short: "Toggle a reaction on a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, msgID, emoji := args[0], args[1], args[2]
		ctx, client, stop, err := openConversation(cmd, convID, reactTimeout)
		if err != nil {
			return err
		}
		defer stop()

		before, ok := findMessage(client, convID, msgID)
		if !ok {
			return fmt.Errorf("message %s not found in conversation %s", msgID, convID)
		}

		changes := client.Bus.Subscribe(bus.KindConversationChanged, 16)
		defer changes.Close()

		if err := client.React(convID, msgID, emoji); err != nil {
			return err
		}
		var reactions map[string][]string
		err = awaitEvent(ctx, changes, func(evt bus.Event) bool {
			if evt.Key != convID {
				return false
			}
			m, ok := findMessage(client, convID, msgID)
			if !ok || maps.EqualFunc(m.Reactions, before.Reactions, slices.Equal[[]string]) {
				return false
			}
			reactions = m.Reactions
			return true
		})
		if err != nil {
			return fmt.Errorf("reaction on %s not confirmed: %w", msgID, err)
		}
		if jsonFlag {
			printJSON(reactions)
			return nil
		}
		if slices.Contains(reactions[emoji], client.Self.UserID) {
			fmt.Printf("Reacted %s to message %s\n", emoji, msgID)
		} else {
			fmt.Printf("Removed %s from message %s\n", emoji, msgID)
		}
		return nil
	},
}
