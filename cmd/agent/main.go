// Agent — the on-device M2M agent.
//
// It keeps a persistent WebSocket link to the M2M broker so operators can
// reach a shell on the device, forward local TCP services out through the
// broker, and push instructions down to the node.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/dataplicity/agent/internal/agent"
	"github.com/dataplicity/agent/internal/config"
	"github.com/dataplicity/agent/internal/controlplane"
	"github.com/dataplicity/agent/internal/inputdevice"
	"github.com/dataplicity/agent/internal/logx"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	confPath := flag.String("conf", "/etc/m2m-agent.conf", "Path to the agent configuration file")
	urlFlag := flag.String("url", "", "Override the broker WebSocket URL")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		logx.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("m2m agent — v%s", version))
	pterm.Println()

	cfg, err := config.Load(*confPath)
	if err != nil {
		logx.Error("%v", err)
		os.Exit(-1)
	}
	if *urlFlag != "" {
		cfg.M2M.URL = *urlFlag
	}

	if !cfg.M2M.Enabled {
		logx.Info("m2m is not enabled, nothing to do")
		return
	}
	logx.Debug("m2m url is %s", cfg.M2M.URL)

	mgr := agent.New(cfg, controlplane.NopClient{}, inputdevice.NopRouter{})
	mgr.Start()

	logx.StartStatsReporter(ctx)
	logx.Success("agent running — %d terminal(s), %d port forward(s)",
		len(cfg.Terminals), len(cfg.PortForwards))

	<-ctx.Done()

	logx.Info("shutting down")
	mgr.Close()
	logx.Info("agent closed")
}
