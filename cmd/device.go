package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gridpulse/fleetsched/config"
	"github.com/gridpulse/fleetsched/device/agent"
	"github.com/gridpulse/fleetsched/infra/logger"
	"github.com/gridpulse/fleetsched/infra/mqtt"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Run a device agent",
	RunE:  runDevice,
}

func init() {
	rootCmd.AddCommand(deviceCmd)
}

func runDevice(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAgent(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logg := logger.New("device-agent")

	// The agent must exist before connection callbacks fire, but the
	// broker client is a constructor argument: connect first with a
	// forwarding callback, then publish the agent behind it. The pointer
	// is atomic because paho fires the callback from its own goroutines.
	var ref atomic.Pointer[agent.Agent]
	client, err := mqtt.NewPahoClient(cfg.MQTT, func(connected bool) {
		if a := ref.Load(); a != nil {
			a.SetConnected(connected)
		}
	})
	if err != nil {
		return fmt.Errorf("mqtt client: %w", err)
	}
	defer client.Close()

	a, err := agent.New(cfg.Agent, client, logg)
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	ref.Store(a)
	a.SetConnected(true)

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
