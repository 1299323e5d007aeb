// ABOUTME: Command definitions for the one2track bridge binary
// ABOUTME: serve runs the polling daemon; devices and send are one-shot operator commands

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/one2track/bridge/cache"
	"github.com/one2track/bridge/config"
	"github.com/one2track/bridge/coordinator"
	"github.com/one2track/bridge/handlers"
	"github.com/one2track/bridge/logger"
	"github.com/one2track/bridge/middleware"
	"github.com/one2track/bridge/services"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "one2track-bridge",
	Short: "Bridge for the one2track GPS tracker service",
	Long: `one2track-bridge polls the one2track GPS tracker web service and exposes
current device state over a local HTTP API.

The vendor has no formal API; the bridge scrapes the login flow, keeps the
session alive across poll cycles, and recovers from expired sessions on its
own.

Environment Variables:
  ONE2TRACK_USERNAME    Account username (required)
  ONE2TRACK_PASSWORD    Account password (required)
  ONE2TRACK_ACCOUNT_ID  Previously known account id (optional)
  POLL_INTERVAL         Seconds between poll cycles (default: 60)
  PORT                  Local API port (default: 8080)`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the polling daemon and local API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Fetch the current device list once and print it as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDevices()
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <device-id> <message>",
	Short: "Send a text message to a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		return runSend(args[0], args[1], title)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bridge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	sendCmd.Flags().String("title", "", "Optional message title (logged, not transmitted)")
	rootCmd.AddCommand(serveCmd, devicesCmd, sendCmd, versionCmd)
	rootCmd.SilenceUsage = true
}

// setup loads configuration and builds an authenticated-capable client.
func setup() (*config.Config, *services.TrackerClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)

	client := services.NewTrackerClient(cfg.BaseURL, cfg.Username, cfg.Password, cfg.AccountID)
	client.SetTimeout(time.Duration(cfg.RequestTimeout) * time.Second)
	return cfg, client, nil
}

// verifyCredentials runs the login flow once at startup. Confirmed-bad
// credentials abort setup; an unreachable vendor is reported but left for
// the poller to retry. A discovered account id that contradicts the
// configured one is a fatal setup error.
func verifyCredentials(ctx context.Context, cfg *config.Config, client *services.TrackerClient) error {
	accountID, err := client.Authenticate(ctx)
	if err != nil {
		if services.CredentialsRejected(err) {
			return fmt.Errorf("one2track rejected the configured credentials: %w", err)
		}
		var authErr *services.AuthenticationError
		if errors.As(err, &authErr) {
			slog.Warn("one2track not reachable during setup, poller will retry", "error", err)
			return nil
		}
		return fmt.Errorf("unexpected error during setup: %w", err)
	}

	if cfg.AccountID != "" && cfg.AccountID != accountID {
		return fmt.Errorf("configured account id %q does not match discovered id %q", cfg.AccountID, accountID)
	}
	slog.Info("one2track login verified", "account_id", accountID)
	return nil
}

func runServe() error {
	cfg, client, err := setup()
	if err != nil {
		return err
	}

	slog.Info("Starting one2track bridge", "version", version)
	slog.Info("Polling configured", "interval_s", cfg.PollInterval, "cache_ttl_s", cfg.CacheTTL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := verifyCredentials(ctx, cfg, client); err != nil {
		client.Close()
		return err
	}

	c := cache.New(time.Duration(cfg.CacheTTL) * time.Second)
	defer c.Stop()

	coord := coordinator.New(client, c, time.Duration(cfg.PollInterval)*time.Second, func(err error) {
		slog.Error("credentials rejected mid-flight, operator action required", "error", err)
	})
	coord.Start()
	defer coord.Stop()

	h := handlers.NewHandler(cfg, coord)
	cors := middleware.CORS(cfg.CORSAllowedOrigins)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", middleware.Chain(h.Health, cors, middleware.LogRequest))
	mux.HandleFunc("/api/devices", middleware.Chain(h.Devices, cors, middleware.LogRequest))
	mux.HandleFunc("/api/message", middleware.Chain(h.Message, cors, middleware.LogRequest))

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runDevices() error {
	cfg, client, err := setup()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := verifyCredentials(ctx, cfg, client); err != nil {
		return err
	}

	result, err := client.Update(ctx)
	if err != nil {
		return err
	}
	if result.Outcome != services.FetchOK {
		return fmt.Errorf("device fetch failed (%s)", result.Outcome)
	}

	out, err := json.MarshalIndent(result.Devices, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}

func runSend(deviceID, message, title string) error {
	_, client, err := setup()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.SendMessage(ctx, deviceID, message, title); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", deviceID, err)
	}
	fmt.Printf("Message sent to %s\n", deviceID)
	return nil
}
