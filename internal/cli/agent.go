package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/memorable/contextmesh/internal/agent"
	"github.com/memorable/contextmesh/internal/config"
	"github.com/memorable/contextmesh/internal/fusion"
	"github.com/memorable/contextmesh/internal/hub"
	"github.com/memorable/contextmesh/internal/session"
	"github.com/memorable/contextmesh/internal/transport"
	"github.com/spf13/cobra"
)

var (
	agentUserID       string
	agentDeviceID     string
	agentDeviceType   string
	agentCapabilities []string
	agentSignals      []string
	agentLocal        bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a device context agent",
	Run:   runAgent,
}

func init() {
	agentCmd.Flags().StringVarP(&agentUserID, "user", "u", "", "User ID this device belongs to")
	agentCmd.Flags().StringVar(&agentDeviceID, "device", "", "Device ID (default <hostname>)")
	agentCmd.Flags().StringVarP(&agentDeviceType, "type", "t", "desktop", "Device type (mobile, desktop, web, wearable, ...)")
	agentCmd.Flags().StringSliceVar(&agentCapabilities, "capability", nil, "Device capability (repeatable)")
	agentCmd.Flags().StringSliceVar(&agentSignals, "signal", nil, "Sensor signal type the embedded hub subscribes (repeatable)")
	agentCmd.Flags().BoolVar(&agentLocal, "local", false, "Force in-process transport (single-device mode)")
}

func runAgent(cmd *cobra.Command, args []string) {
	printHeader("📱 ContextMesh Agent")

	if agentUserID == "" {
		fmt.Println("Error: --user is required")
		os.Exit(1)
	}
	deviceID := agentDeviceID
	if deviceID == "" {
		host, _ := os.Hostname()
		if host == "" {
			fmt.Println("Error: --device is required when the hostname is unavailable")
			os.Exit(1)
		}
		deviceID = host
	}
	deviceType := fusion.ParseDeviceType(agentDeviceType)

	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}

	// 2. Transport. In local mode the agent and its embedded hub share one
	// in-process broker; over Kafka each side is its own consumer.
	var (
		agentTr         transport.Transport
		newHubTransport func() transport.Transport
	)
	if cfg.Transport.Mode == "kafka" && !agentLocal {
		agentTr = newTransport(cfg, deviceID, false)
		newHubTransport = func() transport.Transport {
			return newTransport(cfg, deviceID+".hub", false)
		}
	} else {
		broker := transport.NewLocalBroker()
		agentTr = broker.Endpoint()
		newHubTransport = func() transport.Transport {
			return broker.Endpoint()
		}
	}
	defer agentTr.Close()

	// 3. Agent
	a := agent.New(agentTr, fusion.DefaultPriorityTable(), agent.Options{
		UserID:            agentUserID,
		DeviceID:          deviceID,
		DeviceType:        deviceType,
		Capabilities:      agentCapabilities,
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		PresenceTimeout:   cfg.Presence.Timeout,
	})
	a.OnUnified(func(u *fusion.UnifiedContext) {
		fmt.Printf("Unified v%d: %s\n", u.Version, summarizeUnified(u))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() { errChan <- a.Run(ctx) }()

	// Hub election loop: when this device outranks its peers it assumes hub
	// duties, and hands them back the moment a stronger peer appears.
	go runElectedHub(ctx, cfg, a, newHubTransport, deviceID, deviceType)

	fmt.Printf("Agent running as %s (%s) for user %s. Press Ctrl+C to stop.\n", deviceID, deviceType, agentUserID)

	select {
	case <-sigChan:
		fmt.Println("\nDisconnecting...")
		if err := a.Disconnect(context.Background()); err != nil {
			fmt.Printf("⚠️ Disconnect announce failed: %v\n", err)
		}
		cancel()
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			fmt.Printf("Agent error: %v\n", err)
			os.Exit(1)
		}
	}
}

// runElectedHub starts and stops an embedded hub as this agent wins and
// loses the election.
func runElectedHub(ctx context.Context, cfg *config.Config, a *agent.Agent, newTr func() transport.Transport, deviceID string, deviceType fusion.DeviceType) {
	var (
		hubCancel  context.CancelFunc
		continuity *session.Manager
		store      *session.Store
	)
	defer func() {
		if hubCancel != nil {
			hubCancel()
		}
		if store != nil {
			store.Close()
		}
	}()

	openContinuity := func() *session.Manager {
		if continuity != nil {
			return continuity
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Paths.SessionDB), 0o755); err != nil {
			fmt.Printf("⚠️ Embedded hub: create data dir failed: %v\n", err)
			return nil
		}
		s, err := session.OpenStore(cfg.Paths.SessionDB)
		if err != nil {
			fmt.Printf("⚠️ Embedded hub: session store unavailable: %v\n", err)
			return nil
		}
		store = s
		continuity = session.NewManager(s, session.Options{
			HandoffTTL: cfg.Session.HandoffTTL,
			MaxTopics:  cfg.Session.MaxTopics,
			MaxItems:   cfg.Session.MaxItems,
		})
		return continuity
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case agent.EventHubElected:
				if hubCancel != nil {
					continue
				}
				tr := newTr()
				h := hub.New(tr, fusion.DefaultPriorityTable(), openContinuity(), hub.Options{
					DeviceID:        deviceID + ".hub",
					DeviceType:      deviceType,
					DebounceWindow:  cfg.Fusion.DebounceWindow,
					SweepInterval:   cfg.Fusion.SweepInterval,
					PresenceTimeout: cfg.Presence.Timeout,
					FrameTTL:        cfg.Fusion.FrameTTL,
					DefaultFrameTTL: cfg.Fusion.DefaultFrameTTL,
				})
				if err := h.Track(agentUserID, agentSignals...); err != nil {
					fmt.Printf("⚠️ Embedded hub: track failed: %v\n", err)
					tr.Close()
					continue
				}
				var hctx context.Context
				hctx, hubCancel = context.WithCancel(ctx)
				fmt.Println("Elected hub: assuming aggregation duties")
				go func() {
					defer tr.Close()
					if err := h.Run(hctx); err != nil && err != context.Canceled {
						fmt.Printf("⚠️ Embedded hub stopped: %v\n", err)
					}
				}()
			case agent.EventHubResigned:
				if hubCancel != nil {
					fmt.Println("Hub role ceded to a higher-ranked device")
					hubCancel()
					hubCancel = nil
				}
			case agent.EventDeviceOnline:
				fmt.Printf("Device online: %s (%s)\n", ev.Device.DeviceID, ev.Device.DeviceType)
			case agent.EventDeviceOffline:
				fmt.Printf("Device offline: %s (%s)\n", ev.Device.DeviceID, ev.Device.DeviceType)
			}
		}
	}
}

func summarizeUnified(u *fusion.UnifiedContext) string {
	parts := make([]string, 0, 4)
	if u.Location != nil {
		parts = append(parts, fmt.Sprintf("location=%v", u.Location.Value))
	}
	if u.Activity != nil {
		parts = append(parts, fmt.Sprintf("activity=%v", u.Activity.Value))
	}
	if len(u.People) > 0 {
		parts = append(parts, "people="+strings.Join(u.People, ","))
	}
	if u.Mood != nil {
		parts = append(parts, fmt.Sprintf("mood=%v", u.Mood.Value))
	}
	if len(parts) == 0 {
		return "(empty)"
	}
	return strings.Join(parts, " ") + fmt.Sprintf(" conf=%.2f", u.Confidence)
}
