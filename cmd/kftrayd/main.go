// Command kftrayd is the forwarding-core daemon: it loads every persisted
// configuration, starts its forward, and on SIGINT/SIGTERM stops every
// running forward (spec.md §4.9). Grounded on
// cmd/root.go's cobra root command, viper flag binding, klog textlogger
// bootstrap, and SIGINT/SIGTERM graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"github.com/hcavarsan/kftray/internal/broker"
	"github.com/hcavarsan/kftray/internal/healthz"
	"github.com/hcavarsan/kftray/internal/hostadapter"
	"github.com/hcavarsan/kftray/internal/httplog"
	"github.com/hcavarsan/kftray/internal/kubeclient"
	"github.com/hcavarsan/kftray/internal/logging"
	"github.com/hcavarsan/kftray/internal/model"
	"github.com/hcavarsan/kftray/internal/resolver"
	"github.com/hcavarsan/kftray/internal/store"
	"github.com/hcavarsan/kftray/internal/supervisor"
	"github.com/hcavarsan/kftray/internal/tlsterm"
)

var rootCmd = &cobra.Command{
	Use:   "kftrayd [command] [options]",
	Short: "kftray forwarding core daemon",
	Long: `
kftray forwarding core daemon

  # start the daemon, loading every stored configuration
  kftrayd

  # start at a higher log verbosity
  kftrayd --log-level 4`,
	RunE: run,
}

func init() {
	rootCmd.Flags().IntP("log-level", "", 2, "klog verbosity (0-9)")
	rootCmd.Flags().IntP("health-port", "", 0, "serve /healthz and /readyz on this port (0 disables)")
	_ = viper.BindPFlags(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logging.Init(viper.GetInt("log-level"), os.Stderr)

	configDir, err := resolveConfigDir()
	if err != nil {
		return fmt.Errorf("kftrayd: resolve config dir: %w", err)
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("kftrayd: create config dir: %w", err)
	}

	st, err := store.Open(filepath.Join(configDir, "kftray.db"), store.ModeFile)
	if err != nil {
		return fmt.Errorf("kftrayd: open store: %w", err)
	}
	defer st.Close()

	settings, err := st.GetSettings()
	if err != nil {
		return fmt.Errorf("kftrayd: load settings: %w", err)
	}

	testMode := os.Getenv("KFTRAY_TEST_MODE") != ""

	var terminator *tlsterm.Terminator
	if settings.SSLEnabled {
		terminator, err = tlsterm.NewTerminator(configDir, settings.SSLCertValidityDays)
		if err != nil {
			return fmt.Errorf("kftrayd: init tls terminator: %w", err)
		}
		if settings.SSLCAAutoInstall && os.Getenv("KFTRAY_SKIP_CA_INSTALL") == "" && !testMode {
			if err := terminator.InstallCA(); err != nil {
				klog.Warningf("kftrayd: install CA into system trust store: %v", err)
			}
		}
	}

	var adapter *hostadapter.Adapter
	if !testMode {
		adapter = hostadapter.NewAdapter(hostadapter.ListenAddress())
		if err := adapter.Ping(); err != nil {
			klog.Warningf("kftrayd: host adapter helper unreachable, loopback aliasing disabled: %v", err)
			adapter = nil
		}
	}

	logStore, err := httplog.NewStore(filepath.Join(configDir, "http_logs"))
	if err != nil {
		return fmt.Errorf("kftrayd: init http log store: %w", err)
	}
	defer logStore.Close()

	observer := &httplog.Observer{
		Store:         logStore,
		MaxFileSize:   settings.HTTPLogsMaxFileSize,
		RetentionDays: settings.HTTPLogsRetentionDays,
	}

	factory := kubeclient.NewFactory()
	sup := supervisor.New(supervisor.Options{
		Factory:     factory,
		Resolver:    resolver.New(),
		Broker:      broker.New(),
		Store:       st,
		HostAdapter: adapter,
		TLS:         terminator,
		Observer:    observer,
	})

	checker := healthz.NewChecker(sup)
	if port := viper.GetInt("health-port"); port > 0 {
		mux := http.NewServeMux()
		checker.Attach(mux)
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			addr := fmt.Sprintf("127.0.0.1:%d", port)
			klog.V(0).Infof("kftrayd: health endpoints listening on %s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				klog.Errorf("kftrayd: health server stopped: %v", err)
			}
		}()
	}

	configs, err := st.ListConfigs(nil)
	if err != nil {
		return fmt.Errorf("kftrayd: list configs: %w", err)
	}

	for _, cw := range watchKubeconfigs(factory, configs) {
		defer cw.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results, startErr := sup.StartMany(ctx, configs)
	for _, r := range results {
		if r.Err != nil {
			klog.Errorf("kftrayd: config %d failed to start: %v", r.ConfigID, r.Err)
			continue
		}
		klog.V(0).Infof("kftrayd: config %d bound to local port %d", r.ConfigID, r.BoundPort)
	}
	if startErr != nil {
		klog.Warningf("kftrayd: %d of %d configurations failed to start: %v", countErrs(results), len(results), startErr)
	}
	checker.SetReady(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	klog.V(0).Infof("kftrayd: received signal %v, stopping every forward", sig)

	cancel()
	return sup.StopAll()
}

func countErrs(results []supervisor.StartResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// watchKubeconfigs starts one kubeclient.ConfigWatcher per distinct
// kubeconfig path set used across configs, so a credential rotation or
// cluster-CA change on disk invalidates the affected cached clients instead
// of leaving the daemon authenticating against stale certificates.
func watchKubeconfigs(factory *kubeclient.Factory, configs []model.Configuration) []*kubeclient.ConfigWatcher {
	seen := make(map[string]bool)
	var watchers []*kubeclient.ConfigWatcher
	for _, cfg := range configs {
		if cfg.KubeconfigPaths == "" || seen[cfg.KubeconfigPaths] {
			continue
		}
		seen[cfg.KubeconfigPaths] = true
		cw, err := kubeclient.WatchConfig(factory, cfg.KubeconfigPaths)
		if err != nil {
			klog.Warningf("kftrayd: watch kubeconfig %q: %v", cfg.KubeconfigPaths, err)
			continue
		}
		watchers = append(watchers, cw)
	}
	return watchers
}

// resolveConfigDir honors KFTRAY_CONFIG, otherwise the platform config
// directory joined with "kftray" (spec.md §6 env vars / SQLite files).
func resolveConfigDir() (string, error) {
	if dir := os.Getenv("KFTRAY_CONFIG"); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "kftray"), nil
}
