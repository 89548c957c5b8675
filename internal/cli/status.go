package cli

import (
	"fmt"
	"os"

	"github.com/memorable/contextmesh/internal/config"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ ContextMesh Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 ContextMesh Status")
		fmt.Printf("Version: %s\n", version)

		// Check config
		configPath, _ := config.ConfigPath()
		if _, err := os.Stat(configPath); err == nil {
			fmt.Println("Config:    ✓ Found (" + configPath + ")")
		} else {
			fmt.Println("Config:    ✗ Not found (defaults in effect)")
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config load warning: %v\n", err)
			fmt.Println("Status:    Degraded")
			return
		}

		switch cfg.Transport.Mode {
		case "kafka":
			fmt.Println("Transport: kafka (" + cfg.Transport.KafkaBrokers + ")")
		default:
			fmt.Println("Transport: local (single-device mode)")
		}

		if _, err := os.Stat(cfg.Paths.SessionDB); err == nil {
			fmt.Println("Sessions:  ✓ Store found (" + cfg.Paths.SessionDB + ")")
		} else {
			fmt.Println("Sessions:  ✗ No store yet (created on first hub run)")
		}

		fmt.Printf("Gateway:   http://%s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
		if cfg.Gateway.AuthToken != "" {
			fmt.Println("Auth:      ✓ Token configured")
		} else {
			fmt.Println("Auth:      ✗ No token (gateway open on loopback)")
		}

		fmt.Println("Status:    Ready")
	},
}
