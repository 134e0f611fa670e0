// Package main provides the phat daemon entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lucaslui/hems/phat/internal/config"
	"github.com/lucaslui/hems/phat/internal/display"
	"github.com/lucaslui/hems/phat/internal/fetch"
	"github.com/lucaslui/hems/phat/internal/handler"
	"github.com/lucaslui/hems/phat/internal/model"
	phatmqtt "github.com/lucaslui/hems/phat/internal/mqtt"
	"github.com/lucaslui/hems/phat/internal/runtime"
)

// Build-time variables (set via ldflags)
var version = "dev"

var flags struct {
	configPath    string
	machineIDPath string
	legacy        bool
}

var rootCmd = &cobra.Command{
	Use:   "phat",
	Short: "Show MQTT-announced images on an Inky pHAT e-paper display",
	Long: `phat subscribes to phat/image and phat/image/<machine-id> on an MQTT
broker, downloads the announced image and draws it on the panel. Errors are
drawn on the panel too. Liveness is published, retained, on phat/client/<machine-id>.`,
	Version:      version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flags.configPath, "config", "c", config.DefaultPath, "path to the INI config file")
	rootCmd.Flags().StringVar(&flags.machineIDPath, "machine-id", "", "host identity file (default "+config.DefaultMachineIDPath+")")
	rootCmd.Flags().BoolVar(&flags.legacy, "legacy", false, "treat payloads as bare URLs, same as [fetch] payload = url")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(parent context.Context) error {
	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if flags.machineIDPath != "" {
		cfg.MachineIDPath = flags.machineIDPath
	}
	if flags.legacy {
		cfg.Fetch.Payload = config.PayloadURL
	}

	logger := config.InitLogger(cfg.Log.Level, cfg.Log.Format)
	phatmqtt.RouteClientLogs(logger, cfg.Log.Level == "debug")

	deviceID, err := model.ReadDeviceID(cfg.MachineIDPath)
	if err != nil {
		return err
	}

	variant, err := display.ParseVariant(cfg.Display.Color)
	if err != nil {
		return err
	}
	panel, err := openPanel(cfg.Display)
	if err != nil {
		return err
	}
	defer func() {
		if err := panel.Close(); err != nil {
			logger.Warn("panel close", "error", err)
		}
	}()
	renderer := display.NewRenderer(panel, variant, logger)

	fetcher := fetch.NewClient(
		fetch.WithTimeout(cfg.Fetch.Timeout),
		fetch.WithMaxBodySize(cfg.Fetch.MaxImageBytes),
	)
	var hopts []handler.Option
	if cfg.Fetch.Payload == config.PayloadURL {
		hopts = append(hopts, handler.WithLegacyPayload())
	}
	controller := handler.NewController(fetcher, renderer, logger, hopts...)

	ctx, stop := runtime.SetupGracefulShutdown(parent, logger)
	defer stop()

	session := phatmqtt.NewSession(cfg.MQTT, deviceID, controller, renderer, logger)
	logger.Info("starting",
		"version", version,
		"device_id", deviceID,
		"broker", cfg.MQTT.BrokerURL(),
		"display", cfg.Display.Backend,
		"color", cfg.Display.Color,
		"payload", cfg.Fetch.Payload,
	)
	if err := session.Connect(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	<-ctx.Done()
	if err := session.Shutdown(); err != nil {
		logger.Warn("shutdown", "error", err)
	}
	logger.Info("bye")
	return nil
}

type closablePanel interface {
	display.Panel
	io.Closer
}

func openPanel(cfg config.DisplayConfig) (closablePanel, error) {
	switch cfg.Backend {
	case "png":
		return display.NewPNGPanel(cfg.Output), nil
	default:
		return display.OpenInky(cfg)
	}
}
