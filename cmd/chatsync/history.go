package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

var (
	historyLimit  int
	historySearch string
)

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum number of messages")
	historyCmd.Flags().StringVar(&historySearch, "search", "", "only messages containing this text")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history [conversation-id]",
	Short: "Show cached messages",
	Long:  "Print messages cached by previous runs, newest first. Without a conversation id, list cached conversations.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		if len(args) == 0 && historySearch == "" {
			convs, err := db.ListConversations(historyLimit, 0)
			if err != nil {
				return err
			}
			if jsonFlag {
				printJSON(convs)
				return nil
			}
			for _, c := range convs {
				fmt.Printf("%-10s %-24s %s  %s\n", c.ID, c.Name, formatMillis(c.LastMessageAt), c.LastMessagePreview)
			}
			return nil
		}

		convID := ""
		if len(args) == 1 {
			convID = args[0]
		}
		var msgs []store.Message
		if historySearch != "" {
			msgs, err = db.SearchMessages(historySearch, convID, historyLimit)
		} else {
			msgs, err = db.ListMessages(convID, 0, historyLimit)
		}
		if err != nil {
			return err
		}
		if jsonFlag {
			printJSON(msgs)
			return nil
		}
		if convID != "" && historySearch == "" {
			header, err := syncHeader(db, convID)
			if err != nil {
				return err
			}
			fmt.Println(header)
		}
		for _, m := range msgs {
			sender := m.SenderUsername
			if sender == "" {
				sender = m.SenderID
			}
			fmt.Printf("[%s] %s: %s\n", formatMillis(m.Timestamp), sender, m.Content)
		}
		return nil
	},
}

// syncHeader describes how far the cache of a conversation has been synced.
func syncHeader(db *store.DB, convID string) (string, error) {
	last, err := db.Checkpoint(intsync.CheckpointKey(convID))
	if err != nil {
		return "", err
	}
	if last == "" {
		return fmt.Sprintf("conversation %s: never synced", convID), nil
	}
	return fmt.Sprintf("conversation %s: synced through message %s", convID, last), nil
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}
