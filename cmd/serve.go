package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"eduhelper/orchestrator"
	"eduhelper/server"
	"eduhelper/utils"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the expiry janitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := openApplication(ctx)
			if err != nil {
				return err
			}
			defer app.Close()
			app.logger.Info("Starting EduHelper v%s", version)

			mailbox := server.NewMailbox(server.DefaultMailboxSize)
			notifier := orchestrator.OutboxFunc(func(ctx context.Context, r orchestrator.Reply) error {
				app.logger.Debug("Queued notice for user %s", r.UserID)
				return mailbox.Send(ctx, r)
			})
			orch, err := app.newOrchestrator(notifier)
			if err != nil {
				return err
			}

			interval := time.Duration(app.config.Engine.JanitorIntervalSeconds) * time.Second
			janitorDone := utils.SafeGoWithError(app.logger, "state janitor", func() error {
				if err := orch.RunJanitor(ctx, interval); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}, nil)

			if addr == "" {
				addr = app.config.Server.Addr
			}
			srv := server.New(orch, app.limiter, app.store, mailbox, app.logger.With("component", "http"))
			shutdown := time.Duration(app.config.Server.ShutdownTimeoutSeconds) * time.Second
			err = srv.Run(ctx, addr, shutdown)

			stop()
			<-janitorDone
			app.logger.Info("EduHelper stopped")
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}
