package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/matheus3301/chatsync/internal/app"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/reconcile"
	"github.com/matheus3301/chatsync/internal/store"
)

var (
	profileFlag  string
	logLevelFlag string
	jsonFlag     bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "log file level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
}

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Realtime chat sync client",
	Long:          "Command-line client for the chat server's realtime channels.\nKeeps conversations reconciled, tracks presence and caches history locally.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// resolveParams resolves the active profile and loads the shared config.
func resolveParams(exclusive bool) (app.Params, error) {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return app.Params{}, err
	}
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return app.Params{}, fmt.Errorf("failed to load config: %w", err)
	}
	return app.Params{
		Profile:   name,
		Config:    cfg,
		LogLevel:  logLevelFlag,
		Exclusive: exclusive,
	}, nil
}

// startApp builds and starts the fx application. The returned stop func must
// be called before exit.
func startApp(ctx context.Context, p app.Params) (*app.Client, func(), error) {
	var client *app.Client
	fxApp := fx.New(
		app.Module(p),
		fx.Populate(&client),
		fx.NopLogger,
	)
	if err := fxApp.Start(ctx); err != nil {
		return nil, nil, err
	}
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = fxApp.Stop(ctx)
	}
	return client, stop, nil
}

// openConversation starts the app and opens convID for a one-shot command.
// The returned stop func cancels the timeout and stops the app.
func openConversation(cmd *cobra.Command, convID string, timeout time.Duration) (context.Context, *app.Client, func(), error) {
	p, err := resolveParams(false)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	client, stopApp, err := startApp(ctx, p)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	stop := func() {
		stopApp()
		cancel()
	}
	if err := client.OpenConversation(ctx, convID); err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, client, stop, nil
}

// awaitEvent blocks until match accepts an event from sub or ctx ends.
func awaitEvent(ctx context.Context, sub *bus.Subscription, match func(bus.Event) bool) error {
	for {
		select {
		case evt := <-sub.C:
			if match(evt) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// findMessage looks up a message of an open conversation.
func findMessage(client *app.Client, convID, msgID string) (reconcile.Message, bool) {
	for _, m := range client.Reconciler.Messages(convID) {
		if m.ID == msgID {
			return m, true
		}
	}
	return reconcile.Message{}, false
}

// openStore opens the profile database without starting any channel.
func openStore() (*store.DB, error) {
	p, err := resolveParams(false)
	if err != nil {
		return nil, err
	}
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	db, err := store.Open(profile.DBPath(p.Profile))
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
