// Command probe connects to one heater, prints what it reports and watches
// it for a while. It is the first thing to run against a new device.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"heatersync/internal/device"
	"heatersync/internal/heater"
	"heatersync/internal/transport/mqtt"
	"heatersync/internal/transport/ws"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
)

// CLI is the probe command line
type CLI struct {
	Address   string        `arg:"" help:"Device address (host, host:port or ws:// URL)"`
	Transport string        `short:"t" help:"Transport to use" enum:"websocket,mqtt" default:"websocket"`
	Timeout   time.Duration `help:"Timeout for connecting and for the first read" default:"5s"`
	Observe   time.Duration `short:"o" help:"How long to watch for status updates, 0 to skip" default:"10s"`
	Verbose   bool          `short:"v" help:"Enable debug logging"`

	Token string `help:"Gateway access token" env:"HEATERSYNC_DEVICE_TOKEN"`
	Port  int    `help:"Gateway port" default:"8099"`

	Broker      string `help:"MQTT broker URL" env:"HEATERSYNC_MQTT_BROKER" default:"tcp://localhost:1883"`
	Username    string `help:"MQTT username" env:"HEATERSYNC_MQTT_USERNAME"`
	Password    string `help:"MQTT password" env:"HEATERSYNC_MQTT_PASSWORD"`
	TopicPrefix string `help:"MQTT topic prefix" default:"heaters"`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("probe"),
		kong.Description("Connect to a heater, print its status and watch for updates."))

	logger, err := newLogger(cli.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck // nothing to do on exit

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := probe(ctx, newDialer(cli, logger), cli.Address, cli.Timeout, cli.Observe, os.Stdout); err != nil {
		logger.Error("Probe failed", zap.String("address", cli.Address), zap.Error(err))
		stop()
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	return cfg.Build()
}

func newDialer(cli CLI, logger *zap.Logger) device.Dialer {
	if cli.Transport == "mqtt" {
		return mqtt.NewDialer(mqtt.Options{
			Broker:      cli.Broker,
			ClientID:    "heatersync-probe",
			Username:    cli.Username,
			Password:    cli.Password,
			TopicPrefix: cli.TopicPrefix,
			QoS:         1,
		}, logger)
	}
	return ws.NewDialer(ws.Options{Token: cli.Token, Port: cli.Port}, logger)
}

// probe dials address, prints one status read and then every update seen
// within observe. Cancelling ctx ends the observation early without error.
func probe(ctx context.Context, dialer device.Dialer, address string, timeout, observe time.Duration, out io.Writer) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	tr, err := dialer.Dial(dialCtx, address)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer tr.Close()

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	status, maxAge, err := tr.FetchStatus(fetchCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("reading status: %w", err)
	}

	printStatus(out, status, maxAge)

	if observe <= 0 {
		return nil
	}

	observeCtx, cancel := context.WithTimeout(ctx, observe)
	defer cancel()

	stream, err := tr.ObserveStatus(observeCtx)
	if err != nil {
		return fmt.Errorf("observing: %w", err)
	}
	defer stream.Close()

	fmt.Fprintf(out, "\nWatching for updates for %s...\n", observe)
	updates := 0
	for {
		next, err := stream.Next(observeCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				fmt.Fprintf(out, "%d update(s) received\n", updates)
				return nil
			}
			return fmt.Errorf("observing: %w", err)
		}
		updates++
		fmt.Fprintf(out, "[%s] update %d\n", time.Now().Format(time.TimeOnly), updates)
		for _, line := range heater.Describe(next) {
			fmt.Fprintf(out, "  %-22s %s\n", line.Label+":", line.Value)
		}
	}
}

func printStatus(out io.Writer, status device.Status, maxAge time.Duration) {
	info := heater.DeviceInfo(status)
	fmt.Fprintln(out, "Device")
	fmt.Fprintf(out, "  %-22s %s\n", "Name:", info.Name)
	fmt.Fprintf(out, "  %-22s %s\n", "Type:", info.Type)
	fmt.Fprintf(out, "  %-22s %s\n", "Model ID:", info.ModelID)
	if info.Model != "" {
		fmt.Fprintf(out, "  %-22s %s\n", "Model:", info.Model)
	} else {
		fmt.Fprintf(out, "  %-22s %s\n", "Model:", "unsupported")
	}
	fmt.Fprintf(out, "  %-22s %s\n", "Software version:", info.SoftwareVersion)
	if maxAge > 0 {
		fmt.Fprintf(out, "  %-22s %s\n", "Max age:", maxAge)
	}

	fmt.Fprintln(out, "\nStatus")
	for _, line := range heater.Describe(status) {
		fmt.Fprintf(out, "  %-22s %s\n", line.Label+":", line.Value)
	}

	fmt.Fprintf(out, "\nAll fields (%d)\n", len(status))
	for _, field := range status.Fields() {
		fmt.Fprintf(out, "  %-22s %v\n", field, status[field])
	}
}
