package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/memorable/contextmesh/internal/config"
	"github.com/memorable/contextmesh/internal/fusion"
	"github.com/memorable/contextmesh/internal/gateway"
	"github.com/memorable/contextmesh/internal/hub"
	"github.com/memorable/contextmesh/internal/session"
	"github.com/memorable/contextmesh/internal/transport"
	"github.com/spf13/cobra"
)

var (
	hubUsers    []string
	hubSignals  []string
	hubDeviceID string
	hubLocal    bool
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the context hub and query gateway",
	Run:   runHub,
}

func init() {
	hubCmd.Flags().StringSliceVarP(&hubUsers, "user", "u", nil, "User ID to track (repeatable)")
	hubCmd.Flags().StringSliceVar(&hubSignals, "signal", nil, "Sensor signal type to subscribe (repeatable)")
	hubCmd.Flags().StringVar(&hubDeviceID, "device", "", "Hub device ID (default hub-<hostname>)")
	hubCmd.Flags().BoolVar(&hubLocal, "local", false, "Force in-process transport (single-device mode)")
}

// newTransport builds the configured transport. Each process gets its own
// Kafka consumer group so hubs and agents all see every message.
func newTransport(cfg *config.Config, deviceID string, forceLocal bool) transport.Transport {
	if cfg.Transport.Mode == "kafka" && !forceLocal {
		group := cfg.Transport.ConsumerGroup + "." + deviceID
		return transport.NewKafkaTransport(cfg.Transport.KafkaBrokers, group, cfg.Transport.PublishTimeout)
	}
	return transport.NewLocalTransport()
}

func runHub(cmd *cobra.Command, args []string) {
	printHeader("🧠 ContextMesh Hub")

	if len(hubUsers) == 0 {
		fmt.Println("Error: at least one --user is required")
		os.Exit(1)
	}

	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}

	deviceID := hubDeviceID
	if deviceID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "hub"
		}
		deviceID = "hub-" + host
	}

	// 2. Session store
	if err := os.MkdirAll(filepath.Dir(cfg.Paths.SessionDB), 0o755); err != nil {
		fmt.Printf("Failed to create data dir: %v\n", err)
		os.Exit(1)
	}
	store, err := session.OpenStore(cfg.Paths.SessionDB)
	if err != nil {
		fmt.Printf("Failed to open session store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	continuity := session.NewManager(store, session.Options{
		HandoffTTL: cfg.Session.HandoffTTL,
		MaxTopics:  cfg.Session.MaxTopics,
		MaxItems:   cfg.Session.MaxItems,
	})

	// 3. Transport
	tr := newTransport(cfg, deviceID, hubLocal)
	defer tr.Close()

	// 4. Hub
	h := hub.New(tr, fusion.DefaultPriorityTable(), continuity, hub.Options{
		DeviceID:        deviceID,
		DeviceType:      fusion.DeviceAPI,
		DebounceWindow:  cfg.Fusion.DebounceWindow,
		SweepInterval:   cfg.Fusion.SweepInterval,
		PresenceTimeout: cfg.Presence.Timeout,
		FrameTTL:        cfg.Fusion.FrameTTL,
		DefaultFrameTTL: cfg.Fusion.DefaultFrameTTL,
	})
	for _, user := range hubUsers {
		if err := h.Track(user, hubSignals...); err != nil {
			fmt.Printf("Failed to track user %s: %v\n", user, err)
			os.Exit(1)
		}
		fmt.Printf("Tracking user: %s\n", user)
	}

	// 5. Gateway
	gw := gateway.New(h, continuity, cfg.Gateway.Host, cfg.Gateway.Port, cfg.Gateway.AuthToken)

	// 6. Start Everything
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 2)
	go func() { errChan <- h.Run(ctx) }()
	go func() { errChan <- gw.Run(ctx) }()

	// Expired sessions and handoffs are swept on a slow tick.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := continuity.Sweep(time.Now()); err != nil {
					fmt.Printf("⚠️ Session sweep failed: %v\n", err)
				}
			}
		}
	}()

	fmt.Printf("Gateway listening on http://%s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Println("Hub running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		fmt.Println("\nShutting down...")
		cancel()
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			fmt.Printf("Hub error: %v\n", err)
			cancel()
			os.Exit(1)
		}
	}
}
