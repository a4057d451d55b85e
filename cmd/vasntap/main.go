// Command vasntap is the packet tap entry point: load a YAML config, bring
// up the selected RX backend and optional tunnel/TX-ring sink, then run
// until a shutdown signal arrives, printing periodic statistics.
//
// Grounded on vasn_tap's main.c (signal handling, stats loop) and cli.c
// (the --validate-config / --mode surface); CLI parsing itself uses the
// stdlib flag package, matching the teacher's own thin cmd/ binaries.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/AvizNetworks/vasntap/config"
	"github.com/AvizNetworks/vasntap/control"
	"github.com/AvizNetworks/vasntap/worker"
)

const version = "1.0.0"

const statsInterval = 1 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath     = flag.String("config", "", "path to the YAML configuration file (required)")
		validateOnly   = flag.Bool("validate-config", false, "load and validate the config, print a summary, and exit")
		ebpfObjectPath = flag.String("ebpf-object", "", "path to the compiled TC classifier object (ebpf mode only)")
		showVersion    = flag.Bool("version", false, "print version and exit")
		dumpState      = flag.Bool("dump-state", false, "print debug probe state (platform, resource usage) and exit")
	)
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("vasntap %s\n", version)
		return 0
	}

	if *dumpState {
		dumpDebugState()
		return 0
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "error: --config is required")
		printUsage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	if *validateOnly {
		printConfigSummary(cfg)
		return 0
	}

	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "error: vasntap requires root privileges (raw sockets / eBPF)")
		return 1
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if cfg.Runtime.Debug {
		log.SetLevel(log.DebugLevel)
	} else if cfg.Runtime.Verbose {
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(log.WarnLevel)
	}

	pool, err := worker.New(cfg, *ebpfObjectPath)
	if err != nil {
		log.WithError(err).Error("failed to initialize capture pipeline")
		return 1
	}
	defer pool.Close()

	if err := pool.Start(); err != nil {
		log.WithError(err).Error("failed to start capture pipeline")
		return 1
	}
	log.WithFields(log.Fields{
		"input":  cfg.Runtime.InputIface,
		"output": cfg.Runtime.OutputIface,
		"mode":   cfg.Runtime.Mode,
	}).Info("vasntap started")

	life := control.NewLifecycle()

	if cfg.Runtime.ShowStats || cfg.Runtime.ShowFilterStats || cfg.Runtime.ShowResourceUsage {
		runStatsLoop(life, pool, cfg)
	} else {
		<-life.Done()
	}

	log.Info("stopping workers...")
	pool.Stop()
	log.Info("shutdown complete")
	return 0
}

func runStatsLoop(life *control.Lifecycle, pool *worker.Pool, cfg *config.Config) {
	printer := control.NewStatsPrinter(statsInterval)
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-life.Done():
			return
		case <-ticker.C:
			if cfg.Runtime.ShowStats {
				s := pool.AggregateStats()
				printer.Print(control.Stats{
					PacketsReceived: s.PacketsReceived,
					PacketsSent:     s.PacketsSent,
					PacketsDropped:  s.PacketsDropped,
					BytesReceived:   s.BytesReceived,
					BytesSent:       s.BytesSent,
				})
			}
			if cfg.Runtime.ShowFilterStats {
				printFilterStats(pool)
			}
			if cfg.Runtime.ShowResourceUsage {
				printResourceUsage()
			}
		}
	}
}

func printFilterStats(pool *worker.Pool) {
	fc := pool.FilterConfig()
	if fc == nil {
		return
	}
	for i := range fc.Hits {
		hits := fc.Hits[i].Load()
		if hits == 0 {
			continue
		}
		log.WithFields(log.Fields{
			"rule":  fc.FormatRule(i),
			"hits":  hits,
			"index": i,
		}).Info("filter rule hit")
	}
}

func printResourceUsage() {
	ru, err := control.SampleResourceUsage()
	if err != nil {
		log.WithError(err).Debug("resource usage unavailable")
		return
	}
	log.WithFields(log.Fields{
		"rss_bytes": ru.RSSBytes,
		"threads":   len(ru.ThreadCPU),
	}).Info("resource usage")
}

func printConfigSummary(cfg *config.Config) {
	fmt.Printf("vasntap configuration summary\n")
	fmt.Printf("  input:  %s\n", cfg.Runtime.InputIface)
	if cfg.Runtime.OutputIface != "" {
		fmt.Printf("  output: %s\n", cfg.Runtime.OutputIface)
	} else {
		fmt.Printf("  output: (none, benchmark mode)\n")
	}
	fmt.Printf("  mode:    %s\n", cfg.Runtime.Mode)
	fmt.Printf("  workers: %d\n", cfg.Runtime.Workers)
	if cfg.Runtime.Truncate.Enabled {
		fmt.Printf("  truncate: enabled, length=%d\n", cfg.Runtime.Truncate.Length)
	}
	if cfg.TunnelEnabled() {
		fmt.Printf("  tunnel: type=%s remote=%s vni=%d dstport=%d\n",
			cfg.Tunnel.Type, cfg.Tunnel.RemoteIP, cfg.Tunnel.VNI, cfg.Tunnel.DstPort)
	}
	fmt.Printf("  filter: %d rule(s), default=%s\n", len(cfg.Filter.Rules), cfg.Filter.DefaultAction)
	fmt.Println("configuration is valid")
}

// dumpDebugState registers the platform and resource-usage probes and
// prints a snapshot of each, the same probe-registry pattern
// control.DebugProbes exists for.
func dumpDebugState() {
	dp := control.NewDebugProbes()
	control.RegisterPlatformProbes(dp)
	control.RegisterResourceProbe(dp)
	for name, value := range dp.DumpState() {
		fmt.Printf("%s: %v\n", name, value)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "vasntap - high performance eBPF/AF_PACKET packet tap v%s\n\n", version)
	fmt.Fprintf(os.Stderr, "Usage: %s --config <path> [options]\n\n", os.Args[0])
	flag.PrintDefaults()
}
