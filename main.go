package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"minute/audio"
	"minute/capture"
	"minute/events"
	"minute/hotkey"
	"minute/log"
	"minute/outbox"
	"minute/registry"
	"minute/remote"
	"minute/shutdown"
	"minute/store"
	"minute/syncer"
	"minute/uploader"
)

var version = "dev"

const defaultAPIURL = "https://minute.example.com"

// resolveDataPath picks the sqlite location: -data flag, MINUTE_DATA_PATH,
// then the OS config dir.
func resolveDataPath(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	if env := os.Getenv("MINUTE_DATA_PATH"); env != "" {
		return env, nil
	}
	cfg, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cfg, "minute", "minute.sqlite"), nil
}

func run() {
	setupFlag := flag.Bool("setup", false, "Select microphone device (otherwise uses system default)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	scopeFlag := flag.String("scope", "", "Workspace scope (e.g. workspace:acme), empty for personal")
	apiFlag := flag.String("api", "", "Backend URL (default: MINUTE_API_URL)")
	dataFlag := flag.String("data", "", "Database path (default: MINUTE_DATA_PATH or OS config dir)")
	noStreamFlag := flag.Bool("nostream", false, "Disable chunk streaming during recording")
	maxUploadFlag := flag.Int("maxupload", 100, "Upload size cap in MB")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	profileFlag := flag.String("profile", "", "Enable pprof profiling server (e.g., :6060 or localhost:6060)")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	crashFlag := flag.Bool("crash", false, "Trigger synthetic panic for testing crash logging")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("minute %s\n", version)
		os.Exit(0)
	}

	// Resolve log directory early
	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if *profileFlag != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", *profileFlag)
			if err := http.ListenAndServe(*profileFlag, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	if *crashFlag {
		panic("TEST CRASH: synthetic panic to verify crash logging")
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}

	apiURL := *apiFlag
	if apiURL == "" {
		apiURL = os.Getenv("MINUTE_API_URL")
	}
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	apiKey := os.Getenv("MINUTE_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: MINUTE_API_KEY is not set")
		os.Exit(1)
	}
	log.SessionStart(apiURL, *scopeFlag)

	dataPath, err := resolveDataPath(*dataFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: resolving data path: %v\n", err)
		os.Exit(1)
	}
	db, err := store.Open(dataPath)
	if err != nil {
		log.Errorf("opening store: %v", err)
		fmt.Fprintf(os.Stderr, "Error: opening %s: %v\n", dataPath, err)
		os.Exit(1)
	}
	defer db.Close()

	backend, err := audio.NewBackend()
	if err != nil {
		log.Errorf("audio backend init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		os.Exit(1)
	}
	defer backend.Close()

	var selectedDevice *audio.DeviceInfo
	if *deviceFlag != "" {
		if devices, err := backend.Devices(); err == nil {
			for i := range devices {
				if devices[i].Name == *deviceFlag {
					selectedDevice = &devices[i]
					break
				}
			}
		}
		if selectedDevice == nil {
			fmt.Fprintf(os.Stderr, "Warning: device %q not found, using default\n", *deviceFlag)
		}
	} else if *setupFlag {
		selectedDevice, err = audio.SelectDevice(backend)
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
			selectedDevice = nil
		}
	}

	client := remote.NewHTTP(remote.Config{
		BaseURL:     apiURL,
		Password:    apiKey,
		UserID:      os.Getenv("MINUTE_USER_ID"),
		MaxUploadMB: *maxUploadFlag,
	})

	hub := events.NewHub()
	reg := registry.New(db, hub)
	up := uploader.New(client, !*noStreamFlag)
	defer up.Close()
	engine := capture.New(backend, db, up, hub)
	box := outbox.New(db, client, hub)
	syn := syncer.New(db, client, box, hub, *scopeFlag)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := box.ReleaseStale(ctx); err != nil {
		log.Errorf("releasing stale outbox claims: %v", err)
	}
	go syn.Start(ctx)

	app := &App{
		db:       db,
		registry: reg,
		engine:   engine,
		box:      box,
		sync:     syn,
		hub:      hub,
		scope:    *scopeFlag,
		device:   selectedDevice,
	}

	program := NewTUIProgram(app, hub, selectedDevice)

	sigChan := make(chan os.Signal, 1)
	shutdown.Notify(sigChan)
	go func() {
		<-sigChan
		program.Quit()
	}()

	// Global hotkey toggles recording even when the terminal is unfocused.
	hk := hotkey.New()
	if err := hk.Register(); err != nil {
		hint, derr := hotkey.Diagnose()
		if derr != nil {
			hint = derr.Error()
		}
		log.Warnf("record hotkey unavailable: %v (%s)", err, hint)
	} else {
		defer hk.Unregister()
		go func() {
			for range hk.Keydown() {
				if _, err := app.ToggleRecording(ctx); err != nil {
					log.Errorf("hotkey toggle: %v", err)
				}
			}
		}()
	}

	if _, err := program.Run(); err != nil {
		log.Errorf("TUI error: %v", err)
	}

	app.Shutdown()
	log.SessionEnd(app.PendingIntents(ctx))
	cancel()
	log.Close()
}
