// ABOUTME: Entry point for slim2diretta
// ABOUTME: Parses CLI flags, sets up logging and starts the player
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/cometdom/slim2Diretta/internal/app"
	"github.com/cometdom/slim2Diretta/internal/diretta"
	"github.com/cometdom/slim2Diretta/internal/logging"
	"github.com/cometdom/slim2Diretta/internal/version"
)

func main() {
	cfg := app.DefaultConfig()

	var (
		listTargets bool
		showVersion bool
		cycleTime   uint
	)

	flag.StringVar(&cfg.Server, "server", "", "LMS server address (empty: auto-discovery)")
	flag.StringVar(&cfg.Server, "s", "", "shorthand for -server")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "Slimproto port")
	flag.IntVar(&cfg.Port, "p", cfg.Port, "shorthand for -port")
	flag.StringVar(&cfg.PlayerName, "name", cfg.PlayerName, "player name")
	flag.StringVar(&cfg.PlayerName, "n", cfg.PlayerName, "shorthand for -name")
	flag.StringVar(&cfg.MACAddress, "mac", "", "MAC address (empty: derived from name)")
	flag.StringVar(&cfg.MACAddress, "m", "", "shorthand for -mac")

	flag.IntVar(&cfg.Target, "target", 0, "Diretta target index (1, 2, 3...)")
	flag.IntVar(&cfg.Target, "t", 0, "shorthand for -target")
	flag.IntVar(&cfg.ThreadMode, "thread-mode", cfg.ThreadMode, "worker thread priority mode")
	flag.UintVar(&cycleTime, "cycle-time", 0, "packet cycle in microseconds (0: auto)")
	flag.UintVar(&cfg.MTU, "mtu", 0, "MTU override in bytes (0: auto; 9014 and 16128 for jumbo frames)")
	flag.StringVar(&cfg.TransferMode, "transfer-mode", "", "transfer mode: auto, varmax, varauto, fixauto, random")
	flag.UintVar(&cfg.InfoCycleUs, "info-cycle", cfg.InfoCycleUs, "info packet cycle in microseconds")
	flag.UintVar(&cfg.CycleMinTimeUs, "cycle-min", 0, "minimum cycle for random mode, microseconds")
	flag.UintVar(&cfg.ProfileLimitTime, "profile-limit", cfg.ProfileLimitTime, "target profile limit time, microseconds (0: self profile)")

	flag.IntVar(&cfg.MaxSampleRate, "max-rate", cfg.MaxSampleRate, "maximum sample rate in Hz")
	noDSD := flag.Bool("no-dsd", false, "disable DSD support")

	flag.BoolVar(&listTargets, "list-targets", false, "list Diretta targets and exit")
	flag.BoolVar(&listTargets, "l", false, "shorthand for -list-targets")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.BoolVar(&showVersion, "V", false, "shorthand for -version")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "debug output")
	flag.BoolVar(&cfg.Verbose, "v", false, "shorthand for -verbose")
	flag.BoolVar(&cfg.Quiet, "quiet", false, "suppress lines logged through logging.Infof")
	flag.BoolVar(&cfg.Quiet, "q", false, "shorthand for -quiet")
	flag.Parse()

	if cycleTime > 0 {
		cfg.CycleTimeUs = cycleTime
		cfg.CycleAuto = false
	}
	cfg.DSDEnabled = !*noDSD

	logging.SetVerbose(cfg.Verbose)
	logging.SetQuiet(cfg.Quiet)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	// Verbose mode routes log writes through the async queue so the
	// audio path never blocks on stdout.
	if cfg.Verbose {
		async := logging.NewAsyncWriter(os.Stdout)
		defer async.Close()
		log.SetOutput(async)
	}

	if showVersion {
		fmt.Printf("%s %s\n", version.Product, version.Version)
		return
	}

	if listTargets {
		targets, err := diretta.ListTargets()
		if err != nil {
			fmt.Fprintf(os.Stderr, "target scan failed: %v\n", err)
			os.Exit(1)
		}
		if len(targets) == 0 {
			fmt.Println("no Diretta targets found")
			return
		}
		for _, t := range targets {
			fmt.Printf("  #%d  %s  (%s)\n", t.Index, t.Name, t.Addr)
		}
		return
	}

	if cfg.Target < 1 {
		fmt.Fprintln(os.Stderr, "error: Diretta target required (-t <index>)")
		fmt.Fprintln(os.Stderr, "use -list-targets to see available targets")
		os.Exit(1)
	}

	log.Printf("%s %s starting (player %q, target #%d, max rate %d, DSD %v)",
		version.Product, version.Version, cfg.PlayerName, cfg.Target,
		cfg.MaxSampleRate, cfg.DSDEnabled)

	player := app.New(cfg)
	if err := player.Run(); err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
}
