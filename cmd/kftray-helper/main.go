// Command kftray-helper is the privileged process that owns loopback alias
// management: it listens on a Unix socket (or, on Windows, a named pipe) and
// serves the Host Adapter protocol to the unprivileged daemon (spec.md §4.8,
// C8). Grounded on cmd/root.go's cobra/klog bootstrap pattern, adapted
// from an MCP server entrypoint into a single-purpose privileged listener.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"github.com/hcavarsan/kftray/internal/hostadapter"
	"github.com/hcavarsan/kftray/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "kftray-helper [options]",
	Short: "kftray privileged loopback-alias helper",
	Long: `
kftray privileged loopback-alias helper

Serves loopback interface aliasing and loopback address-pool requests from
the kftrayd daemon over a local socket. Run with the platform's elevated
privileges (setuid root, or installed as a Windows service under
LocalSystem). Hosts-file entries are written by kftrayd itself, not by
this helper.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().IntP("log-level", "", 2, "klog verbosity (0-9)")
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

	ln, err := hostadapter.Listen()
	if err != nil {
		return fmt.Errorf("kftray-helper: listen on %s: %w", hostadapter.ListenAddress(), err)
	}
	defer ln.Close()

	klog.V(0).Infof("kftray-helper: listening on %s", hostadapter.ListenAddress())

	helper := hostadapter.NewHelper()

	serveErr := make(chan error, 1)
	go func() { serveErr <- helper.Serve(ln) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		klog.V(0).Infof("kftray-helper: received signal %v, shutting down", sig)
		return ln.Close()
	case err := <-serveErr:
		return fmt.Errorf("kftray-helper: serve: %w", err)
	}
}
