package main

import (
	"context"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fieldloop/lorad/pkg/config"
	"github.com/fieldloop/lorad/pkg/dispatch"
	"github.com/fieldloop/lorad/pkg/gateway"
	"github.com/fieldloop/lorad/pkg/observability/logging"
	"github.com/fieldloop/lorad/pkg/radio"
	"github.com/fieldloop/lorad/pkg/signer"
	"github.com/fieldloop/lorad/pkg/workspace"
)

func main() {
	defaultDir, err := workspace.DefaultStateDir()
	if err != nil {
		log.Fatalf("unable to determine state dir: %v", err)
	}

	rootCmd := &cobra.Command{Use: "lorad"}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Run the gateway routing engine",
		Run:   runUp,
	}
	upCmd.Flags().String("dir", defaultDir, "Directory where lorad state is persisted")
	upCmd.Flags().String("metrics", "", "Address to serve prometheus metrics on (empty disables)")

	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Print the gateway public key",
		Run:   runKey,
	}
	keyCmd.Flags().String("dir", defaultDir, "Directory where lorad state is persisted")

	rootCmd.AddCommand(upCmd, keyCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("failed to execute command: %q", err)
	}
}

func runUp(cmd *cobra.Command, args []string) {
	dir, _ := cmd.Flags().GetString("dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics")

	stateDir, err := workspace.EnsureStateDir(dir)
	if err != nil {
		log.Fatal(err)
	}

	conf, err := config.Load(stateDir)
	if err != nil {
		log.Fatal(err)
	}

	logging.Init(conf.LogLevel)
	defer zap.S().Sync() //nolint:errcheck
	logger := zap.S()

	logger.Infow("starting lorad...", "version", "0.1.0")

	ctx, stopFunc := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopFunc()

	sign, err := signer.NewFileSigner(stateDir)
	if err != nil {
		logger.Fatal(err)
	}

	transport, err := dispatch.NewQUICTransport(sign.Private())
	if err != nil {
		logger.Fatal(err)
	}

	concentrator := radio.NewUDPConcentrator(conf.ListenOrDefault())

	gw, err := gateway.New(conf, sign, transport, concentrator, clock.New())
	if err != nil {
		logger.Fatal(err)
	}

	go watchReload(ctx, stateDir, gw)

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		return concentrator.Serve(ctx)
	})
	p.Go(func(ctx context.Context) error {
		return gw.Start(ctx)
	})
	if metricsAddr != "" {
		p.Go(func(ctx context.Context) error {
			return serveMetrics(ctx, metricsAddr)
		})
	}

	if err := p.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		logger.Fatal(err)
	}
}

// watchReload re-reads the config on SIGHUP and applies the hot-swappable
// tuning knobs.
func watchReload(ctx context.Context, stateDir string, gw *gateway.Gateway) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			conf, err := config.Load(stateDir)
			if err != nil {
				zap.S().Warnw("config reload failed, keeping current config", "err", err)
				continue
			}
			gw.Reload(conf)
		}
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runKey(cmd *cobra.Command, args []string) {
	dir, _ := cmd.Flags().GetString("dir")

	stateDir, err := workspace.EnsureStateDir(dir)
	if err != nil {
		log.Fatal(err)
	}

	sign, err := signer.NewFileSigner(stateDir)
	if err != nil {
		log.Fatal(err)
	}

	cmd.Println(hex.EncodeToString(sign.PublicKey()))
}
