package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/paddocklabs/paddock/internal/dashboard"
	"github.com/paddocklabs/paddock/internal/netmon"
	"github.com/paddocklabs/paddock/internal/puller"
	"github.com/paddocklabs/paddock/internal/reconciler"
	"github.com/paddocklabs/paddock/internal/remote"
	"github.com/paddocklabs/paddock/internal/scheduler"
	"github.com/paddocklabs/paddock/internal/store"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync engine",
	Long: `Run the full sync engine: the scheduler draining the mutation queue
(initial attempt, heartbeat, reconnect triggers), the periodic pull merger,
and the status dashboard.

Stops cleanly on SIGINT/SIGTERM.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logWriter := io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   viper.GetString("log.file"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	})
	logger := log.New(logWriter, "[paddock] ", log.LstdFlags)

	st, err := store.Open(viper.GetString("db.path"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	baseURL := viper.GetString("api.base_url")
	client := remote.New(baseURL, viper.GetDuration("api.timeout"))

	probeAddr, err := apiProbeAddr(baseURL)
	if err != nil {
		return err
	}
	monitor := netmon.NewDialMonitor(probeAddr, 5*time.Second)

	// The dashboard needs the scheduler and the reconciler needs the
	// dashboard's broadcast; the late-bound pointer breaks the loop.
	var dash *dashboard.Server

	rec := reconciler.New(st, client, monitor,
		log.New(logWriter, "[reconciler] ", log.LstdFlags),
		func(ev reconciler.Event) {
			if dash != nil {
				dash.BroadcastEvent(ev)
			}
		})

	schedCfg := scheduler.DefaultConfig()
	schedCfg.InitialDelay = viper.GetDuration("sync.initial_delay")
	schedCfg.HeartbeatInterval = viper.GetDuration("sync.heartbeat")
	schedCfg.StalenessCeiling = viper.GetDuration("sync.staleness_ceiling")
	schedCfg.Logger = log.New(logWriter, "[scheduler] ", log.LstdFlags)
	sched := scheduler.New(st, rec, monitor, schedCfg)

	dash = dashboard.NewServer(st, sched, &dashboard.Config{
		Port:   viper.GetInt("dashboard.port"),
		Logger: log.New(logWriter, "[dashboard] ", log.LstdFlags),
	})

	pullCfg := puller.DefaultConfig()
	pullCfg.Interval = viper.GetDuration("pull.interval")
	pullCfg.Logger = log.New(logWriter, "[puller] ", log.LstdFlags)
	if farmerID := viper.GetString("pull.farmer_id"); farmerID != "" {
		pullCfg.Query = url.Values{"farmerId": {farmerID}}
	}
	pull := puller.New(st, client, monitor, pullCfg, func(ev puller.Event) {
		dash.BroadcastEvent(ev)
	})

	// Interval changes land in viper immediately but apply on restart.
	viper.OnConfigChange(func(e fsnotify.Event) {
		logger.Printf("Config file changed: %s (timing changes apply on restart)", e.Name)
	})
	viper.WatchConfig()

	if err := dash.Start(); err != nil {
		return fmt.Errorf("failed to start dashboard: %w", err)
	}
	sched.Start()
	pull.Start()

	logger.Printf("Sync engine running (db=%s, api=%s)", st.Path(), baseURL)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Printf("Shutting down")
	pull.Stop()
	sched.Stop()
	if err := dash.Stop(); err != nil {
		logger.Printf("Dashboard stop error: %v", err)
	}
	return nil
}

// apiProbeAddr derives the host:port the connectivity monitor dials.
func apiProbeAddr(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid api.base_url %q: %w", baseURL, err)
	}

	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("api.base_url %q has no host", baseURL)
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return host + ":" + port, nil
}
