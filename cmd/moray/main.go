package main

import (
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	httpfrontend "github.com/moray/moray/frontend/http"
	memledger "github.com/moray/moray/ledger/memory"
	"github.com/moray/moray/middleware"
	"github.com/moray/moray/pkg/log"
	"github.com/moray/moray/pkg/stop"
	"github.com/moray/moray/tracker"
	trackermem "github.com/moray/moray/tracker/memory"

	// Imports to register storage drivers.
	_ "github.com/moray/moray/storage/memory"
	_ "github.com/moray/moray/storage/redis"

	// Imports to register middleware drivers.
	_ "github.com/moray/moray/middleware/cheatfilter"
	_ "github.com/moray/moray/middleware/clientapproval"
	_ "github.com/moray/moray/middleware/fingerprint"
	_ "github.com/moray/moray/middleware/ghostleech"
	_ "github.com/moray/moray/middleware/ipabuse"
	_ "github.com/moray/moray/middleware/peerban"
	_ "github.com/moray/moray/middleware/ratelimit"
	_ "github.com/moray/moray/middleware/statsjump"
)

// Run represents the state of a running instance of Moray.
type Run struct {
	configFilePath string
	sg             *stop.Group
}

// NewRun runs an instance of Moray.
func NewRun(configFilePath string) (*Run, error) {
	r := &Run{
		configFilePath: configFilePath,
	}

	return r, r.Start()
}

// Start begins an instance of Moray.
func (r *Run) Start() error {
	configFile, err := ParseConfigFile(r.configFilePath)
	if err != nil {
		return errors.Wrap(err, "failed to read config")
	}
	cfg := configFile.Moray

	r.sg = stop.NewGroup()

	if cfg.PrometheusAddr != "" {
		log.Info("starting metrics server", log.Fields{"addr": cfg.PrometheusAddr})
		r.sg.Add(startMetricsServer(cfg.PrometheusAddr))
	}

	peerStore, err := cfg.Storage.NewPeerStore()
	if err != nil {
		return errors.Wrap(err, "failed to create storage")
	}

	ldgr, err := memledger.New(cfg.Ledger)
	if err != nil {
		return errors.Wrap(err, "failed to create ledger")
	}

	preHooks, postHooks, err := cfg.CreateHooks()
	if err != nil {
		return errors.Wrap(err, "failed to create hooks")
	}

	torrents := make([]tracker.Torrent, 0, len(cfg.Torrents))
	for _, tc := range cfg.Torrents {
		t, err := tc.Torrent()
		if err != nil {
			return errors.Wrap(err, "failed to load torrents")
		}
		torrents = append(torrents, t)
	}

	logic := middleware.NewLogic(cfg.Config, peerStore,
		trackermem.NewUserSource(cfg.Users),
		trackermem.NewTorrentSource(torrents),
		ldgr, preHooks, postHooks)
	r.sg.Add(logic)

	if cfg.HTTPConfig.Addr == "" {
		return errors.New("no http frontend configured")
	}

	log.Info("starting HTTP frontend", cfg.HTTPConfig.LogFields())
	hf, err := httpfrontend.NewFrontend(logic, cfg.HTTPConfig)
	if err != nil {
		return errors.Wrap(err, "failed to create HTTP frontend")
	}
	r.sg.Add(hf)

	return nil
}

// Stop shuts down an instance of Moray.
func (r *Run) Stop() error {
	log.Debug("stopping moray")
	for _, err := range r.sg.Stop().Wait() {
		if err != nil {
			return err
		}
	}

	return nil
}

type metricsServer struct {
	srv *http.Server
}

func startMetricsServer(addr string) *metricsServer {
	s := &metricsServer{
		srv: &http.Server{
			Addr:    addr,
			Handler: promhttp.Handler(),
		},
	}

	go func() {
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal("failed while serving prometheus", log.Err(err))
		}
	}()

	return s
}

func (s *metricsServer) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		c.Done(s.srv.Close())
	}()

	return c.Result()
}

// RootRunCmdFunc implements a Cobra command that runs an instance of Moray
// and handles the process's lifetime.
func RootRunCmdFunc(cmd *cobra.Command, args []string) error {
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	r, err := NewRun(configFilePath)
	if err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return r.Stop()
}

// RootPreRunCmdFunc handles command line flags for the Run command.
func RootPreRunCmdFunc(cmd *cobra.Command, args []string) error {
	noColors, err := cmd.Flags().GetBool("nocolors")
	if err != nil {
		return err
	}
	if noColors {
		log.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	}

	jsonLog, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	if jsonLog {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	debugLog, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return err
	}
	if debugLog {
		log.Info("enabling debug logging")
		log.SetDebug(true)
	}

	cpuProfilePath, err := cmd.Flags().GetString("cpuprofile")
	if err != nil {
		return err
	}
	if cpuProfilePath != "" {
		log.Info("enabling CPU profiling", log.Fields{"path": cpuProfilePath})
		f, err := os.Create(cpuProfilePath)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
	}

	return nil
}

// RootPostRunCmdFunc handles clean up of any state initialized by command
// line flags.
func RootPostRunCmdFunc(cmd *cobra.Command, args []string) error {
	// Stops the CPU profile if it was started. No-op otherwise.
	pprof.StopCPUProfile()
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:                "moray",
		Short:              "Private BitTorrent Tracker",
		Long:               "A private BitTorrent tracker with ratio accounting and anti-abuse middleware",
		PersistentPreRunE:  RootPreRunCmdFunc,
		RunE:               RootRunCmdFunc,
		PersistentPostRunE: RootPostRunCmdFunc,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("json", false, "enable json logging")
	if runtime.GOOS == "windows" {
		rootCmd.PersistentFlags().Bool("nocolors", true, "disable log coloring")
	} else {
		rootCmd.PersistentFlags().Bool("nocolors", false, "disable log coloring")
	}
	rootCmd.PersistentFlags().String("cpuprofile", "", "location to save a CPU profile")
	rootCmd.Flags().String("config", "/etc/moray.yaml", "location of configuration file")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal("failed when executing root cobra command: " + err.Error())
	}
}
