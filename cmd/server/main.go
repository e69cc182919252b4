package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/busybox42/aegis-routing/internal/config"
	"github.com/busybox42/aegis-routing/pkg/crypto"
	"github.com/busybox42/aegis-routing/pkg/dht"
	"github.com/busybox42/aegis-routing/pkg/server"
	"github.com/busybox42/aegis-routing/pkg/types"
)

var log = logrus.New()

var (
	configPath  string
	port        int
	seeds       []string
	useTor      bool
	metricsAddr string
	domainHex   string
	contentHex  string
)

var rootCmd = &cobra.Command{
	Use:           "aegis",
	Short:         "Aegis is a Kademlia-style routing node",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a routing node until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := server.New(cfg, log)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}

		<-ctx.Done()
		log.Info("Shutting down")
		return shutdown(srv)
	},
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <hex-id>",
	Short: "Join the network and route toward an identifier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := types.IDFromHex(args[0])
		if err != nil {
			return err
		}
		spec, kind, err := searchSpec(target)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := server.New(cfg, log)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		defer shutdown(srv)

		outcome, err := srv.Route(ctx, spec, kind)
		if err != nil {
			return err
		}
		printOutcome(cmd.OutOrStdout(), outcome)
		return nil
	},
}

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print the node identifier for the configured key directory and port",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		kp, err := crypto.LoadOrGenerate(cfg.Node.KeyDir, cfg.Node.Port)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s@%s:%d\n", kp.ID(), cfg.Node.Host, cfg.Node.Port)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	rootCmd.PersistentFlags().StringSliceVar(&seeds, "seed", nil, "bootstrap peer as <hex-id>@<host>:<port> (repeatable)")
	rootCmd.PersistentFlags().BoolVar(&useTor, "tor", false, "dial peers through Tor")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address")

	lookupCmd.Flags().StringVar(&domainHex, "domain", "", "hex domain id; asks peers for a domain digest")
	lookupCmd.Flags().StringVar(&contentHex, "content", "", "hex content id; with --domain asks for a content digest")

	rootCmd.AddCommand(runCmd, lookupCmd, idCmd, consoleCmd)
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Node.Port = port
	}
	if flags.Changed("seed") {
		cfg.Node.Seeds = seeds
	}
	if flags.Changed("tor") {
		cfg.Tor.Enabled = useTor
	}
	if flags.Changed("metrics") {
		cfg.Metrics.Addr = metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := cfg.Logger()
	if err != nil {
		return nil, err
	}
	log.SetLevel(logger.GetLevel())
	log.SetFormatter(logger.Formatter)
	log.SetOutput(logger.Out)
	return cfg, nil
}

func searchSpec(target types.ID) (dht.SearchSpec, dht.QueryKind, error) {
	spec := dht.SearchSpec{Target: target}
	if domainHex == "" {
		if contentHex != "" {
			return spec, 0, fmt.Errorf("--content requires --domain")
		}
		return spec, dht.QueryNeighbors, nil
	}

	domain, err := types.IDFromHex(domainHex)
	if err != nil {
		return spec, 0, err
	}
	spec.Domain = domain
	if contentHex == "" {
		return spec, dht.QueryDigestDomain, nil
	}
	content, err := types.IDFromHex(contentHex)
	if err != nil {
		return spec, 0, err
	}
	spec.Content = content
	return spec, dht.QueryDigestContent, nil
}

func shutdown(srv *server.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Shutdown failed")
		return err
	}
	return nil
}

func main() {
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stdout)

	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
