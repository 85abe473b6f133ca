// Command fractald runs the training lifecycle daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"fractal/internal/daemon"
)

func main() {
	var opts daemon.RunOptions
	flag.StringVar(&opts.ConfigPath, "config", "", "Configuration file path")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Override logging.level")
	flag.BoolVar(&opts.Simulate, "simulate", false, "Use favourable simulated device conditions")
	flag.Parse()

	if err := daemon.RunForeground(context.Background(), opts); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
