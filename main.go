// TheftGuard anti-theft device agent.
// Cross-platform agent for device tracking and remote lock/alarm/wipe.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"theftguard/agent/agent"
	"theftguard/agent/location"
	"theftguard/agent/lockscreen"
	"theftguard/agent/logger"
	"theftguard/agent/storage"
	"theftguard/agent/sysinfo"
	"theftguard/agent/wipe"
)

// Build information (set at build time via -ldflags)
var (
	BuildTime = "unknown" // Build timestamp
	GitCommit = "unknown" // Git commit hash
)

// configPath is resolved in main and read by runInteractive, which is also
// the entry point when running under service control.
var configPath string

func main() {
	// The lock screen runs as a separate spawned process; dispatch before
	// flag parsing so its own flags are not consumed here.
	if len(os.Args) > 1 && os.Args[1] == "lockscreen" {
		os.Exit(runLockScreen(os.Args[2:]))
	}

	configFlag := flag.String("config", defaultConfigPath(), "Configuration file path")
	generateConfig := flag.Bool("generate-config", false, "Generate default config file and exit")
	serviceCmd := flag.String("service", "", "Service control: install, uninstall, start, stop, run")
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.Parse()

	configPath = *configFlag

	if *showVersion {
		fmt.Printf("theftguard-agent %s (commit %s, built %s)\n", AgentVersion, GitCommit, BuildTime)
		return
	}

	if *generateConfig {
		if err := WriteDefaultAgentConfig(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote default configuration to %s\n", configPath)
		return
	}

	if *serviceCmd != "" {
		os.Exit(runServiceCommand(*serviceCmd))
	}

	// Interactive mode: run in the foreground until interrupted.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	runInteractive(ctx)
}

// runServiceCommand handles --service install/uninstall/start/stop/run.
func runServiceCommand(cmd string) int {
	prg := &program{}
	svc, err := service.New(prg, getServiceConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "service setup failed: %v\n", err)
		return 1
	}

	switch cmd {
	case "install":
		if err := setupServiceDirectories(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create service directories: %v\n", err)
			return 1
		}
		if err := svc.Install(); err != nil {
			fmt.Fprintf(os.Stderr, "install failed: %v\n", err)
			return 1
		}
		fmt.Println("Service installed. Use '--service start' to start it.")
	case "uninstall":
		if err := svc.Uninstall(); err != nil {
			fmt.Fprintf(os.Stderr, "uninstall failed: %v\n", err)
			return 1
		}
		fmt.Println("Service uninstalled.")
	case "start":
		if err := svc.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "start failed: %v\n", err)
			return 1
		}
	case "stop":
		if err := svc.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "stop failed: %v\n", err)
			return 1
		}
	case "run":
		if err := svc.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "service run failed: %v\n", err)
			return 1
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown service command %q (want install, uninstall, start, stop or run)\n", cmd)
		return 1
	}
	return 0
}

// runLockScreen is the entry point of the spawned lock screen process. The
// artifact path written by the coordinator arrives as the final argument.
func runLockScreen(args []string) int {
	fs := flag.NewFlagSet("lockscreen", flag.ExitOnError)
	port := fs.Int("port", lockscreen.DefaultLivenessPort, "Liveness port to bind")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "lockscreen: missing lock state file argument")
		return 2
	}
	artifactPath := fs.Arg(0)

	session, err := lockscreen.OpenSession(filepath.Dir(artifactPath), *port)
	if err != nil {
		// A bind failure means another session already owns the lock.
		fmt.Fprintf(os.Stderr, "lockscreen: %v\n", err)
		return 1
	}
	defer session.Close()

	prompter := &lockscreen.LinePrompter{In: os.Stdin, Out: os.Stdout}
	if err := session.Run(context.Background(), prompter); err != nil {
		fmt.Fprintf(os.Stderr, "lockscreen: %v\n", err)
		return 1
	}
	return 0
}

// runInteractive is the agent's main body, shared between foreground and
// service mode. It returns when ctx is canceled.
func runInteractive(ctx context.Context) {
	cfg, err := LoadAgentConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot load config %s: %v\n", configPath, err)
		fmt.Fprintln(os.Stderr, "Run with --generate-config to create one.")
		return
	}
	if err := validateConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return
	}

	dataDir := defaultDataDir()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "cannot create data dir %s: %v\n", dataDir, err)
		return
	}

	logDir := cfg.Logging.Dir
	if logDir == "" {
		logDir = filepath.Dir(getServiceLogPath())
	}
	lg := logger.New(logger.LevelFromString(cfg.Logging.Level), logDir, 500)
	defer lg.Close()
	agent.SetLogger(lg)
	storage.SetLogger(lg)
	agent.DebugEnabled = cfg.Logging.Level == "debug" || cfg.Logging.Level == "trace"

	agent.InfoCtx("agent starting", "version", AgentVersion, "platform", runtime.GOOS)

	deviceID := cfg.Server.DeviceID
	if deviceID == "" {
		deviceID, err = LoadOrGenerateDeviceID(dataDir)
		if err != nil {
			agent.ErrorCtx("cannot establish device identity", "error", err)
			return
		}
	}

	token := cfg.Server.Token
	if token == "" {
		token = LoadServerToken(dataDir)
	}

	client := agent.NewServerClient(cfg.Server.URL, deviceID, token, cfg.Server.CAPath, cfg.Server.InsecureSkipVerify)
	if token == "" {
		if !registerWithBackoff(ctx, client, cfg, dataDir) {
			return
		}
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "agent.db")
	}
	store, err := storage.NewStore(dbPath)
	if err != nil {
		agent.ErrorCtx("cannot open local store", "path", dbPath, "error", err)
		return
	}
	defer store.Close()

	resolver := location.NewResolver(
		location.NewOSProvider(),
		location.NewWiFiScanner(),
		location.NewWiFiGeoClient(cfg.Location.WiFiGeoAPIKey),
		location.NewIPGeoClient(),
	)
	if fix, err := store.LastFix(); err == nil && fix != nil {
		resolver.SeedCache(fix)
		if resolver.ClearBadRegionCache() {
			agent.Info("discarded persisted location inside known-bad region")
		}
	}

	lockCmd := cfg.Lock.Command
	if len(lockCmd) == 0 {
		exe, err := os.Executable()
		if err != nil {
			agent.ErrorCtx("cannot locate own binary for lock screen", "error", err)
			return
		}
		lockCmd = []string{exe, "lockscreen", "--port", strconv.Itoa(cfg.Lock.LivenessPort)}
	}
	coordinator := lockscreen.NewCoordinator(dataDir, &lockscreen.ExecLauncher{Command: lockCmd})
	coordinator.LivenessPort = cfg.Lock.LivenessPort

	policy := wipe.NewPolicy(cfg.Wipe.DataVolume)
	wiper := NewWipeWorker(client, store, policy)
	alarm := NewAlarmWorker()

	loop := NewControlLoop(ControlLoopDeps{
		Client:   client,
		Resolver: resolver,
		Lock:     coordinator,
		Alarm:    alarm,
		Wiper:    wiper,
		Store:    store,
		Battery:  sysinfo.NewBatteryProvider(),
		WiFi:     sysinfo.NewWiFiProvider(),
	}, cfg.Intervals, cfg.Location.MoveThresholdM)

	var wsClient *agent.WSClient
	if cfg.Server.UseWebSocket {
		wsClient = agent.NewWSClient(cfg.Server.URL, deviceID, client.GetToken(), cfg.Server.InsecureSkipVerify,
			func(ds agent.DesiredState) {
				loop.ApplyDesired(context.Background(), ds)
			})
		if err := wsClient.Start(); err != nil {
			agent.WarnCtx("websocket channel unavailable, polling only", "error", err)
			wsClient = nil
		}
	}

	var discovery *DiscoveryServer
	if cfg.Discovery.Enabled {
		discovery = NewDiscoveryServer(cfg.Discovery.Port, deviceID, loop.LocalState)
		if err := discovery.Start(); err != nil {
			agent.WarnCtx("discovery endpoint unavailable", "error", err)
			discovery = nil
		}
	}

	wiper.Start()
	loop.Start()
	agent.Info("agent running")

	<-ctx.Done()

	agent.Info("shutting down")
	loop.Stop()
	wiper.Stop()
	alarm.Stop()
	if discovery != nil {
		discovery.Stop()
	}
	if wsClient != nil {
		wsClient.Stop()
	}
}

// registerWithBackoff performs agent-first registration, retrying until the
// backend accepts or ctx is canceled. Returns false only on cancellation.
func registerWithBackoff(ctx context.Context, client *agent.ServerClient, cfg *AgentConfig, dataDir string) bool {
	hostname, _ := os.Hostname()
	req := agent.RegisterRequest{
		FingerprintHash: sysinfo.Fingerprint(),
		AgentVersion:    AgentVersion,
		Hostname:        hostname,
		Platform:        runtime.GOOS,
	}

	delay := 5 * time.Second
	for {
		resp, err := client.Register(ctx, req)
		if err == nil && resp.Success {
			agent.InfoCtx("registered with backend",
				"device_id", resp.DeviceID, "user_linked", resp.UserLinked)
			if resp.Token != "" {
				if err := SaveServerToken(dataDir, resp.Token); err != nil {
					agent.WarnCtx("failed to persist server token", "error", err)
				}
			}
			return true
		}
		if err != nil {
			agent.WarnCtx("registration failed, will retry", "error", err, "delay", delay.String())
		} else {
			agent.WarnCtx("registration rejected, will retry", "message", resp.Message, "delay", delay.String())
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if delay < 60*time.Second {
			delay *= 2
		}
	}
}
