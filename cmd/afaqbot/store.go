package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"afaqbot/internal/config"
	"afaqbot/internal/domain"
	"afaqbot/internal/history"
	"afaqbot/internal/memory"
	"afaqbot/internal/provider"

	"github.com/spf13/cobra"
)

const statusTimeout = 10 * time.Second

// openStore opens the configured history store. It returns nil, nil when no
// database is configured.
func openStore(mc config.MemoryConfig) (domain.HistoryStore, error) {
	store, err := memory.Open(mc.DatabaseURL, mc.PoolSize, logger)
	if errors.Is(err, memory.ErrNoDSN) {
		logger.Warn("no database configured, conversation history is kept in memory only")
		return nil, nil
	}
	return store, err
}

// requireStore is openStore for commands that are meaningless without one.
func requireStore(mc config.MemoryConfig) (domain.HistoryStore, error) {
	if mc.DatabaseURL == "" {
		return nil, errors.New("no database configured (set memory.databaseUrl or DATABASE_URL)")
	}
	return openStore(mc)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check the provider and the history store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
			defer cancel()

			prov := provider.New(cfg.Provider, logger)
			if err := prov.Healthy(ctx); err != nil {
				logger.Info("provider", "name", prov.Name(), "healthy", false, "err", err)
			} else {
				logger.Info("provider", "name", prov.Name(), "healthy", true)
			}

			store, err := openStore(cfg.Memory)
			if err != nil {
				logger.Info("store", "healthy", false, "err", err)
				return nil
			}
			if store == nil {
				logger.Info("store", "configured", false)
				return nil
			}
			defer store.Close()

			if err := store.Ping(ctx); err != nil {
				logger.Info("store", "healthy", false, "err", err)
				return nil
			}
			n, err := countConversations(ctx, store)
			if err != nil {
				logger.Info("store", "healthy", true, "err", err)
				return nil
			}
			logger.Info("store", "healthy", true, "conversations", n)
			return nil
		},
	}
}

// counter is implemented by stores that can count rows without decoding them.
type counter interface {
	Count(ctx context.Context) (int, error)
}

func countConversations(ctx context.Context, store domain.HistoryStore) (int, error) {
	if c, ok := store.(counter); ok {
		return c.Count(ctx)
	}
	all, err := store.LoadAll(ctx)
	return len(all), err
}

func cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stored conversations idle for more than --days",
		Long:  "Loads the history store, evicts conversations whose last message is older than --days and deletes them from the store. Run it while the gateway is stopped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := requireStore(cfg.Memory)
			if err != nil {
				return err
			}
			defer store.Close()

			return runCleanup(cmd.Context(), cmd.OutOrStdout(), store, cfg.Memory, days)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "maximum idle age in days (default: memory.retentionDays)")
	return cmd
}

// runCleanup hydrates a Manager from store and evicts conversations idle for
// more than days. A failed load is returned before anything is evicted.
func runCleanup(ctx context.Context, out io.Writer, store domain.HistoryStore, mc config.MemoryConfig, days int) error {
	hist := history.NewManager(history.Config{
		MaxHistory:    mc.MaxHistory,
		RetentionDays: mc.RetentionDays,
		Store:         store,
		Logger:        logger,
	})
	if _, err := history.NewPersister(hist, history.PersisterConfig{Logger: logger}).Hydrate(ctx); err != nil {
		return err
	}
	cleaned, err := hist.Cleanup(ctx, days)
	fmt.Fprintf(out, "cleaned %d conversations, %d remaining\n", cleaned, hist.Len())
	return err
}

type exportedConversation struct {
	UserKey  string           `json:"user_key"`
	Messages []domain.Message `json:"messages"`
}

func exportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump every stored conversation as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := requireStore(cfg.Memory)
			if err != nil {
				return err
			}
			defer store.Close()

			all, err := store.LoadAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("load conversations: %w", err)
			}

			var out io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			n, err := writeExport(out, all)
			if err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			logger.Info("exported conversations", "count", n, "output", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

// writeExport writes conversations sorted by user key.
func writeExport(w io.Writer, all map[string][]domain.Message) (int, error) {
	convs := make([]exportedConversation, 0, len(all))
	for key, msgs := range all {
		convs = append(convs, exportedConversation{UserKey: key, Messages: msgs})
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].UserKey < convs[j].UserKey })

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return len(convs), enc.Encode(convs)
}
