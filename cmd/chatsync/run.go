package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/app"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/reconcile"
	"github.com/matheus3301/chatsync/internal/status"
)

var runHistory int

func init() {
	runCmd.Flags().IntVar(&runHistory, "history", 0, "older messages to fetch after opening the conversation")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <conversation-id>",
	Short: "Stay connected to a conversation and print live events",
	Long:  "Open the conversation and presence channels for the profile and print every change until interrupted.\nConfirmed messages are cached for 'chatsync history'.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := resolveParams(true)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		client, stop, err := startApp(ctx, p)
		if err != nil {
			return err
		}
		defer stop()

		events := client.Bus.Subscribe("", 256)
		defer events.Close()

		if err := client.GoOnline(ctx); err != nil {
			if errors.Is(err, app.ErrNoIdentity) {
				return err
			}
			fmt.Printf("presence unavailable: %v\n", err)
		}

		convID := args[0]
		if err := client.OpenConversation(ctx, convID); err != nil {
			return err
		}
		if runHistory > 0 {
			n, more, err := client.LoadOlder(ctx, convID, runHistory)
			if err != nil {
				fmt.Printf("history unavailable: %v\n", err)
			} else {
				fmt.Printf("loaded %d older messages (more: %v)\n", n, more)
			}
		}
		for _, m := range client.Reconciler.Messages(convID) {
			printMessage(m, client.Self.UserID)
		}

		for {
			select {
			case evt := <-events.C:
				printEvent(evt, client.Self.UserID)
			case <-ctx.Done():
				return nil
			}
		}
	},
}

func printEvent(evt bus.Event, selfID string) {
	if jsonFlag {
		printJSON(evt)
		return
	}
	switch v := evt.Payload.(type) {
	case reconcile.MessageChange:
		printMessage(v.Message, selfID)
	case reconcile.DeleteChange:
		fmt.Printf("-- deleted %d message(s) in %s\n", len(v.MessageIDs), v.ConversationID)
	case *reconcile.SendError:
		fmt.Printf("-- not sent: %q\n", v.Draft.Content)
	case status.StatusChange:
		fmt.Printf("-- %s channel %s -> %s\n", v.Scope, v.From, v.To)
	case presence.Record:
		state := "offline"
		if v.IsOnline {
			state = "online"
		}
		fmt.Printf("-- %s is %s\n", v.UserCode, state)
	}
}

func printMessage(m reconcile.Message, selfID string) {
	fmt.Println(formatMessage(m, selfID))
}

func formatMessage(m reconcile.Message, selfID string) string {
	sender := m.SenderUsername
	if sender == "" {
		sender = m.SenderID
	}
	if m.IsOwn(selfID) {
		sender = "you"
	}
	mark := ""
	if m.Pending {
		mark = " (sending)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.Timestamp.Local().Format(time.Kitchen), sender, m.Content, mark)
}
