// main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petervdpas/peerlink/internal/app"
	"github.com/petervdpas/peerlink/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "peerlink",
		Short:        "Encrypted peer-to-peer chat over a signaling relay",
		Version:      appVersion,
		SilenceUsage: true,
	}
	root.AddCommand(peerCmd(), relayCmd())
	return root
}

func peerCmd() *cobra.Command {
	var (
		peerID   string
		relayURL string
		headless bool
	)
	cmd := &cobra.Command{
		Use:   "peer <directory>",
		Short: "Run a peer from a directory holding " + config.FileName,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, cfgPath, cfg, err := loadDir(args[0])
			if err != nil {
				return err
			}
			if peerID != "" {
				cfg.Identity.PeerID = peerID
			}
			if relayURL != "" {
				cfg.Rendezvous.URL = relayURL
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			printBanner(dir, cfgPath, cfg, false)
			return runApp(app.Options{
				Dir:         dir,
				CfgPath:     cfgPath,
				Cfg:         cfg,
				Interactive: !headless,
			})
		},
	}
	cmd.Flags().StringVar(&peerID, "id", "", "identifier to register (overrides identity.peer_id)")
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay websocket URL (overrides rendezvous.url)")
	cmd.Flags().BoolVar(&headless, "headless", false, "run without the interactive shell")
	return cmd
}

func relayCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "relay <directory>",
		Short: "Run only the signaling relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, cfgPath, cfg, err := loadDir(args[0])
			if err != nil {
				return err
			}
			// Force relay mode regardless of what the config file says.
			cfg.Rendezvous.Host = true
			if port > 0 {
				cfg.Rendezvous.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			printBanner(dir, cfgPath, cfg, true)
			return runApp(app.Options{
				Dir:       dir,
				CfgPath:   cfgPath,
				Cfg:       cfg,
				RelayOnly: true,
			})
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides rendezvous.port)")
	return cmd
}

// loadDir resolves dir and loads its config, creating a default one.
func loadDir(arg string) (string, string, config.Config, error) {
	dir, err := filepath.Abs(arg)
	if err != nil {
		return "", "", config.Config{}, fmt.Errorf("invalid directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", config.Config{}, err
	}
	cfgPath := filepath.Join(dir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return "", "", config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if created {
		fmt.Printf("Created default config %s\n", cfgPath)
	}
	return dir, cfgPath, cfg, nil
}

func runApp(opt app.Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx, opt)
}

func printBanner(dir, cfgPath string, cfg config.Config, relayOnly bool) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                       peerlink                         ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Directory:   %s\n", dir)
	fmt.Printf("Config File: %s\n", cfgPath)
	if cfg.Rendezvous.Host {
		fmt.Printf("Relay:       listening on %s:%d\n", cfg.Rendezvous.Bind, cfg.Rendezvous.Port)
	}
	if !relayOnly {
		if cfg.Identity.PeerID != "" {
			fmt.Printf("Peer ID:     %s\n", cfg.Identity.PeerID)
		}
		fmt.Printf("Joining:     %s\n", cfg.RelayURL())
	}
	fmt.Println("(Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
