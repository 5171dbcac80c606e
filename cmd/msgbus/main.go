package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/msgbus-go/config"
	"github.com/glimte/msgbus-go/internal/rabbitmq"
	"github.com/glimte/msgbus-go/messaging"
	rabbitmqTransport "github.com/glimte/msgbus-go/transports/rabbitmq"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "msgbus",
		Short: "Inspect and prepare msgbus channel groups",
		Long: `msgbus reads the channel group configuration used by services and can
declare the queues and error exchanges those groups rely on.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		configPath string
		envFiles   []string
	)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Environment files to load before reading configuration (default .env)")

	load := func() (config.Config, *slog.Logger, error) {
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return config.Config{}, nil, err
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, nil, err
		}
		return cfg, cfg.Log.Logger(os.Stderr), nil
	}

	groupsCmd := &cobra.Command{
		Use:   "groups",
		Short: "List configured channel groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			printGroups(cfg.ChannelGroups)
			return nil
		},
	}

	topologyCmd := &cobra.Command{
		Use:   "topology [group-names...]",
		Short: "Show the queues and exchanges each group relies on",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			groups, err := selectGroups(cfg, args)
			if err != nil {
				return err
			}
			for _, group := range groups {
				printTopology(group.GroupName, rabbitmq.GroupTopology(group))
			}
			return nil
		},
	}

	var timeout time.Duration
	declareCmd := &cobra.Command{
		Use:   "declare [group-names...]",
		Short: "Connect every group once, declaring its topology",
		Long:  "Opens a channel for each selected group. The connector declares the group's queues and error exchanges on the way.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			groups, err := selectGroups(cfg, args)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
			defer cancelTimeout()

			connector, err := rabbitmqTransport.NewConnector(cfg.URL, cfg.ChannelGroups,
				rabbitmqTransport.WithLogger(logger),
				rabbitmqTransport.WithTopology(true),
				rabbitmqTransport.WithBreakerSettings(rabbitmqTransport.BreakerSettings{
					ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
					Timeout:             cfg.Breaker.Timeout,
					MaxRequests:         1,
				}),
			)
			if err != nil {
				return fmt.Errorf("failed to create connector: %w", err)
			}
			defer connector.Close()

			failed := 0
			for _, group := range groups {
				channel, err := connector.Connect(ctx, group.GroupName)
				if err != nil {
					failed++
					fmt.Printf("%-30s FAILED %v\n", group.GroupName, err)
					continue
				}
				_ = channel.Close()
				fmt.Printf("%-30s OK\n", group.GroupName)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d groups failed", failed, len(groups))
			}
			return nil
		},
	}
	declareCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall time allowed for connecting")

	rootCmd.AddCommand(groupsCmd, topologyCmd, declareCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func selectGroups(cfg config.Config, names []string) ([]messaging.ChannelGroupConfig, error) {
	if len(names) == 0 {
		return cfg.ChannelGroups, nil
	}

	groups := make([]messaging.ChannelGroupConfig, 0, len(names))
	for _, name := range names {
		group, ok := cfg.Group(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", messaging.ErrChannelGroupNotFound, name)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func printGroups(groups []messaging.ChannelGroupConfig) {
	if len(groups) == 0 {
		fmt.Println("No channel groups configured")
		return
	}

	fmt.Printf("%-25s %-25s %-12s %-9s %-8s %-8s\n", "Name", "Input Queue", "Mode", "Dispatch", "Workers", "Attempts")
	fmt.Println(strings.Repeat("-", 92))

	for _, g := range groups {
		queue := g.InputQueue
		if g.DispatchOnly {
			queue = "-"
		}
		fmt.Printf("%-25s %-25s %-12s %-9t %-8d %-8d\n",
			truncate(g.GroupName, 25),
			truncate(queue, 25),
			g.TransactionMode.String(),
			g.DispatchOnly,
			g.MinWorkers,
			g.MaxAttempts,
		)
	}
}

func printTopology(group string, t rabbitmq.Topology) {
	fmt.Printf("%s\n", group)
	if len(t.Exchanges)+len(t.Queues) == 0 {
		fmt.Println("  nothing to declare")
		return
	}
	for _, q := range t.Queues {
		fmt.Printf("  queue     %s (durable=%t)\n", q.Name, q.Durable)
	}
	for _, e := range t.Exchanges {
		fmt.Printf("  exchange  %s (%s, durable=%t)\n", e.Name, e.Type, e.Durable)
	}
	for _, b := range t.Bindings {
		fmt.Printf("  binding   %s -> %s\n", b.Exchange, b.Queue)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
