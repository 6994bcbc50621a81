// Package logging bootstraps klog the same way
// kubernetes-mcp-server cmd/root.go does: a textlogger.Config built from a
// verbosity flag, installed with klog.SetLoggerWithOptions.
package logging

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"k8s.io/klog/v2"
	"k8s.io/klog/v2/textlogger"
)

// Init installs a klog textlogger at the given verbosity, writing to out.
// Call once from main(); every package logs through klog afterwards.
func Init(verbosity int, out io.Writer) {
	if verbosity < 0 {
		verbosity = 2
	}
	if out == nil {
		out = os.Stderr
	}

	cfg := textlogger.NewConfig(
		textlogger.Output(out),
		textlogger.Verbosity(verbosity),
	)
	logger := textlogger.NewLogger(cfg)
	klog.SetLoggerWithOptions(logger)

	flagSet := flag.NewFlagSet("kftrayd", flag.ContinueOnError)
	klog.InitFlags(flagSet)
	if err := flagSet.Parse([]string{"--v", strconv.Itoa(verbosity)}); err != nil {
		fmt.Fprintf(out, "error parsing log verbosity: %v\n", err)
	}

	klog.V(0).Infof("logging initialized at verbosity %d", verbosity)
}
