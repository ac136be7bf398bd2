package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/recount/internal/counts"
	"github.com/MarcoPoloResearchLab/recount/internal/logging"
	"github.com/MarcoPoloResearchLab/recount/internal/watch"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the reconciliation board of an inventory on a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context())
		},
	}
	cmd.Flags().String("server", "http://localhost:8080", "Base URL of the API server")
	cmd.Flags().String("inventory", "", "Inventory id to follow")
	cmd.Flags().String("token", "", "Session token (overrides env)")
	bindFlag(cmd, "watch.server", "server")
	bindFlag(cmd, "watch.inventory", "inventory")
	bindFlag(cmd, "watch.token", "token")
	return cmd
}

func runWatch(ctx context.Context) error {
	inventoryID := strings.TrimSpace(viper.GetString("watch.inventory"))
	if inventoryID == "" {
		return fmt.Errorf("watch.inventory is required")
	}

	logger, err := logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.format"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	watcher, err := watch.New(watch.Config{
		BaseURL:     viper.GetString("watch.server"),
		InventoryID: counts.InventoryID(inventoryID),
		Token:       viper.GetString("watch.token"),
		Logger:      logger,
		OnChange: func(entry counts.BoardEntry) {
			logger.Info("group status",
				zap.String("address", entry.Key.Address.String()),
				zap.String("material", entry.Key.Material.String()),
				zap.String("status", entry.Status.String()),
				zap.String("hint", entry.Status.Hint()),
				zap.Int("count_total", entry.CountTotal))
		},
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := watcher.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
