package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/bus"
)

var presenceWait time.Duration

func init() {
	presenceCmd.Flags().DurationVar(&presenceWait, "wait", 3*time.Second, "how long to wait for status replies")
	rootCmd.AddCommand(presenceCmd)
}

var presenceCmd = &cobra.Command{
	Use:   "presence <user-code>...",
	Short: "Query the online status of users",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := resolveParams(false)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), presenceWait+p.Config.Channel.SubscribeWait.Duration)
		defer cancel()

		client, stop, err := startApp(ctx, p)
		if err != nil {
			return err
		}
		defer stop()

		updates := client.Bus.Subscribe(bus.KindPresenceChanged, 64)
		defer updates.Close()

		if err := client.GoOnline(ctx); err != nil {
			return err
		}
		if err := client.RequestStatus(args...); err != nil {
			return err
		}

		want := make(map[string]bool, len(args))
		for _, code := range args {
			want[code] = true
		}
	wait:
		for len(want) > 0 {
			select {
			case evt := <-updates.C:
				delete(want, evt.Key)
			case <-ctx.Done():
				break wait
			}
		}

		if jsonFlag {
			printJSON(client.Presence.Snapshot())
			return nil
		}
		for _, code := range args {
			r, ok := client.Presence.Status(code)
			switch {
			case !ok:
				fmt.Printf("%-16s unknown\n", code)
			case r.IsOnline:
				fmt.Printf("%-16s online\n", code)
			default:
				fmt.Printf("%-16s offline (since %s)\n", code, r.LastUpdated.Local().Format(time.Kitchen))
			}
		}
		return nil
	},
}
