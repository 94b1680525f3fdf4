// Package main is the CLI entry point for Tapwire — an intercepting HTTP
// proxy for the Anthropic Messages API. Tapwire forwards every request
// verbatim to the upstream, reconstructs streamed responses into complete
// records, persists them as line-delimited JSON, and pushes live events
// to WebSocket subscribers.
//
// Architecture overview:
//
//	Client SDK --> Tapwire Proxy (:3456) --> api.anthropic.com
//	                |                          |
//	                +-- tee response bytes -----+
//	                |-- reconstruct SSE stream
//	                |-- append messages.jsonl
//	                +-- broadcast to /ws subscribers
//
// CLI commands (cobra):
//
//	tapwire start [-d]  - Start proxy (foreground or daemon)
//	tapwire stop        - Stop proxy
//	tapwire status      - Show proxy status
//	tapwire captures    - List/follow/clear captured traffic
//	tapwire config      - View/edit proxy configuration
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tapwire/tapwire/internal/capture"
	"github.com/tapwire/tapwire/internal/config"
	"github.com/tapwire/tapwire/internal/feed"
	"github.com/tapwire/tapwire/internal/proxy"
	"github.com/tapwire/tapwire/internal/record"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-26"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns the path to ~/.tapwire/ where runtime state
// lives: config.yaml, messages.jsonl, index.db, the PID file and the
// daemon log.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fall back to current directory if home dir can't be determined.
		return ".tapwire"
	}
	return filepath.Join(home, ".tapwire")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the Tapwire config/state directory.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "tapwire",
	Short: "Tapwire — Capturing proxy for the Anthropic Messages API",
	Long: `Tapwire is a transparent HTTP proxy that sits between your client and
the Anthropic API. Every request passes through byte-identically while
Tapwire records both sides of the exchange: the request body and the
response, reconstructed from the SSE stream into a complete message.

Captured traffic is stored as line-delimited JSON, queryable via the
CLI and the /api/captures endpoint, and streamed live to WebSocket
subscribers on /ws.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	// --config-dir: Override the default ~/.tapwire/ directory.
	// Persistent so all subcommands inherit it.
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to Tapwire config and state directory",
	)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(capturesCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// tapwire start — Start the proxy server
// ============================================================================

// daemonMode controls whether the proxy runs in the background (-d flag).
var daemonMode bool

// Per-invocation overrides for config.yaml values. Zero values mean
// "use the config file"; cmd.Flags().Changed distinguishes an explicit
// --port 0 from no flag at all.
var (
	startPort    int
	startDataDir string
	startVerbose bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Tapwire proxy server",
	Long: `Start the Tapwire proxy server. The proxy forwards Messages API calls
to the upstream and captures both sides of every exchange.

By default runs in the foreground. Use -d for daemon/background mode.

The proxy binds to the address configured in ~/.tapwire/config.yaml
(default: 127.0.0.1:3456). Point your client's base URL at it:
  ANTHROPIC_BASE_URL=http://127.0.0.1:3456`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args)
	},
}

func init() {
	startCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run proxy in daemon/background mode")
	startCmd.Flags().IntVar(&startPort, "port", 0, "Override the configured listen port")
	startCmd.Flags().StringVar(&startDataDir, "data-dir", "", "Override the configured capture data directory")
	startCmd.Flags().BoolVar(&startVerbose, "verbose", false, "Enable debug logging regardless of config")
}

// runStart initializes all subsystems and starts the HTTP server:
//
//  1. Handle daemon mode (re-exec as background process if -d)
//  2. Load config from ~/.tapwire/config.yaml
//  3. Open the capture log (JSONL + SQLite query index)
//  4. Create the fan-out hub and the proxy handler
//  5. Write PID file for process management
//  6. Start listening and block until SIGINT/SIGTERM or HTTP shutdown
func runStart(cmd *cobra.Command, args []string) error {
	// When -d is passed and we're NOT the re-exec'd child, spawn a
	// detached child process and exit the parent. TAPWIRE_DAEMONIZED=1
	// distinguishes the two — Go can't fork() safely because the runtime
	// is multi-threaded, so daemonization is a re-exec.
	if daemonMode && os.Getenv("TAPWIRE_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	// --- Step 1: Load configuration ---
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// CLI flags win over the config file for this invocation only.
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = startPort
	}
	if startDataDir != "" {
		cfg.Capture.DataDir = startDataDir
	}
	if startVerbose {
		cfg.Log.Verbose = true
	}

	setupLogging(cfg.Log.Verbose)

	// --- Step 2: Open the capture log ---
	dataDir := cfg.Capture.DataDir
	if dataDir == "" {
		dataDir = configDir
	}
	captures, err := capture.New(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open capture log: %w", err)
	}
	defer captures.Close()

	// --- Step 3: Wire the fan-out hub and the proxy ---
	hub := feed.NewHub()

	upstreamClient := proxy.NewUpstreamClient(
		time.Duration(cfg.Upstream.ConnectTimeoutMs) * time.Millisecond)

	proxyServer := proxy.New(proxy.Options{
		Config:         cfg,
		Captures:       captures,
		Hub:            hub,
		UpstreamClient: upstreamClient,
	})

	// --- Step 4: Set up HTTP mux ---
	// The admin surface and the proxy share the same port:
	//   /health        -> liveness (used by `tapwire status`)
	//   /api/captures  -> paired records (GET) / clear (DELETE)
	//   /ws            -> WebSocket live feed
	//   /shutdown      -> graceful shutdown trigger (used by `tapwire stop`)
	//   everything else -> proxied verbatim to the upstream
	mux := http.NewServeMux()
	mux.HandleFunc("/health", proxyServer.HandleHealth)
	mux.HandleFunc("/api/captures", proxyServer.HandleCaptures)
	mux.Handle("/ws", feed.Handler(hub))

	// Shutdown endpoint — the cross-platform way to stop the proxy (works
	// on Windows where SIGTERM is not available). Loopback POST only.
	shutdownCh := make(chan struct{}, 1)
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
			// Already shutting down.
		}
	})

	// Everything else is proxied.
	mux.Handle("/", proxyServer)

	// --- Step 5: Start the HTTP server ---
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout or ReadTimeout — streaming responses can run
		// for minutes. The per-request upstream context carries the
		// read deadline instead.
	}

	// --- Step 6: Write PID file ---
	pidFile := filepath.Join(configDir, "tapwire.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	// --- Step 7: Graceful shutdown on SIGINT/SIGTERM or HTTP /shutdown ---
	// Drain in-flight requests with a deadline, then close the log and
	// every feed subscriber.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("proxy listening", "addr", "http://"+addr, "upstream", cfg.Upstream.URL)
		if !daemonMode {
			fmt.Printf("[tapwire] Proxy listening on http://%s\n", addr)
			fmt.Printf("[tapwire] Capturing to %s\n", captures.Path())
			fmt.Println("[tapwire] Press Ctrl+C to stop")
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down", "reason", "signal")
	case <-shutdownCh:
		slog.Info("shutting down", "reason", "stop command")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Give in-flight requests 10 seconds to drain — a streaming response
	// mid-flight gets a chance to complete and be recorded.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		slog.Error("shutdown error", "error", shutdownErr)
	}

	hub.Close()

	fmt.Println("[tapwire] Stopped")
	return nil
}

// setupLogging configures the global slog handler. Verbose mode enables
// debug-level messages; everything goes to stderr so daemon log capture
// and foreground output behave the same.
func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// spawnDaemon re-executes the tapwire binary as a detached background
// process. The parent prints the child PID and exits immediately; the
// child detects TAPWIRE_DAEMONIZED=1 and runs the proxy normally.
func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "tapwire.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	daemonArgs := []string{"start"}
	if configDir != defaultConfigDir() {
		daemonArgs = append(daemonArgs, "--config-dir", configDir)
	}
	if startPort != 0 {
		daemonArgs = append(daemonArgs, "--port", strconv.Itoa(startPort))
	}
	if startDataDir != "" {
		daemonArgs = append(daemonArgs, "--data-dir", startDataDir)
	}
	if startVerbose {
		daemonArgs = append(daemonArgs, "--verbose")
	}

	child := exec.Command(exePath, daemonArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "TAPWIRE_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[tapwire] Proxy started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[tapwire] Log file: %s\n", logPath)
	fmt.Println("[tapwire] Use 'tapwire stop' to stop the proxy")

	// Release the child so it survives parent exit.
	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[tapwire] Warning: failed to release child process: %v\n", err)
	}

	logFile.Close()
	return nil
}

// writePIDFile writes the current process ID to the given file path.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// removePIDFile removes the PID file if it exists. Called on shutdown.
func removePIDFile(path string) {
	os.Remove(path)
}

// isLoopback checks if a remote address is a loopback address.
// Used to restrict the /shutdown endpoint to local-only access.
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	// Strip brackets from IPv6 addresses like [::1].
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")

	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}

// ============================================================================
// tapwire stop — Stop the proxy server
// ============================================================================

// stopCmd sends a stop signal to a running Tapwire proxy.
//
// Uses two strategies (in order):
//  1. HTTP POST to /shutdown — works cross-platform (Windows + Unix)
//  2. PID file + SIGTERM — Unix fallback if HTTP fails
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running Tapwire proxy",
	Long: `Stop a running Tapwire proxy. Tries HTTP shutdown first (cross-platform),
then falls back to PID file + SIGTERM on Unix systems.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd, args)
	},
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)

	// --- Strategy 1: HTTP shutdown (cross-platform) ---
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/shutdown", "application/json", nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[tapwire] Stop signal sent to proxy")
			os.Remove(filepath.Join(configDir, "tapwire.pid"))
			return nil
		}
	}

	// --- Strategy 2: PID file + SIGTERM (Unix only) ---
	if runtime.GOOS == "windows" {
		return fmt.Errorf("proxy is not responding at %s — cannot stop", addr)
	}

	pidFile := filepath.Join(configDir, "tapwire.pid")
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("proxy is not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		// Process might already be dead — clean up PID file.
		os.Remove(pidFile)
		return fmt.Errorf("failed to stop proxy (PID %d): %w", pid, err)
	}

	os.Remove(pidFile)
	fmt.Printf("[tapwire] Sent stop signal to proxy (PID %d)\n", pid)
	return nil
}

// ============================================================================
// tapwire status — Show proxy status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proxy status and capture summary",
	Long: `Display whether the Tapwire proxy is running, its listen address, and a
summary of captured traffic.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args)
	},
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Println("[tapwire] Status: NOT RUNNING")
		fmt.Printf("[tapwire] Expected at: %s\n", addr)
		return nil
	}
	resp.Body.Close()

	fmt.Println("[tapwire] Status: RUNNING")
	fmt.Printf("[tapwire] Listening on: %s\n", addr)
	fmt.Printf("[tapwire] Upstream: %s\n", cfg.Upstream.URL)

	// Query the live proxy for the capture summary.
	capResp, err := client.Get(addr + "/api/captures")
	if err != nil {
		fmt.Println("[tapwire] Could not query capture data")
		return nil
	}
	defer capResp.Body.Close()

	var pairs []record.Pair
	if err := json.NewDecoder(capResp.Body).Decode(&pairs); err != nil {
		fmt.Println("[tapwire] Could not parse capture data")
		return nil
	}

	completed := 0
	for _, p := range pairs {
		if p.Response != nil {
			completed++
		}
	}
	fmt.Printf("[tapwire] Captures: %d requests, %d with responses\n", len(pairs), completed)
	return nil
}

// ============================================================================
// tapwire captures — Inspect captured traffic
// ============================================================================

var capturesCmd = &cobra.Command{
	Use:   "captures",
	Short: "Inspect captured traffic",
	Long: `List, follow, and clear captured request/response pairs. The capture
log is a line-delimited JSON file at <dataDir>/messages.jsonl; these
commands read it directly and work whether or not the proxy is running.`,
}

func init() {
	capturesCmd.AddCommand(capturesListCmd)
	capturesCmd.AddCommand(capturesTailCmd)
	capturesCmd.AddCommand(capturesClearCmd)
}

// Capture list filter flags.
var (
	capturesModel string
	capturesSince string
	capturesLimit int
	capturesJSON  bool
)

// capturesListCmd lists captured pairs with optional filters.
var capturesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured request/response pairs",
	Long: `List captured pairs with optional filters.

Examples:
  tapwire captures list --model 'claude-*' --since 24h
  tapwire captures list --limit 10 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		captures, err := openCaptureLog()
		if err != nil {
			return err
		}
		defer captures.Close()

		pairs, err := captures.Query(capture.QueryParams{
			Model: capturesModel,
			Since: capturesSince,
			Limit: capturesLimit,
		})
		if err != nil {
			return fmt.Errorf("capture query failed: %w", err)
		}

		if capturesJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(pairs)
		}

		if len(pairs) == 0 {
			fmt.Println("No matching captures found.")
			return nil
		}

		fmt.Printf("%-26s %-30s %-8s %-12s %-8s %-8s\n",
			"TIMESTAMP", "MODEL", "STREAM", "STOP", "IN", "OUT")
		for _, p := range pairs {
			stop, in, out := "-", "-", "-"
			if p.Response != nil {
				if p.Response.StopReason != nil {
					stop = *p.Response.StopReason
				} else {
					stop = "(null)"
				}
				in = strconv.Itoa(p.Response.Usage.InputTokens)
				out = strconv.Itoa(p.Response.Usage.OutputTokens)
			}
			fmt.Printf("%-26s %-30s %-8v %-12s %-8s %-8s\n",
				shortTimestamp(p.Request.Timestamp), p.Request.Model,
				p.Request.Stream, stop, in, out)
		}
		fmt.Printf("\n%d pairs.\n", len(pairs))
		return nil
	},
}

func init() {
	capturesListCmd.Flags().StringVar(&capturesModel, "model", "", "Filter by model glob (e.g. 'claude-*')")
	capturesListCmd.Flags().StringVar(&capturesSince, "since", "", "Show captures since duration (e.g. 1h, 24h) or RFC3339 timestamp")
	capturesListCmd.Flags().IntVar(&capturesLimit, "limit", 50, "Maximum number of pairs to return")
	capturesListCmd.Flags().BoolVar(&capturesJSON, "json", false, "Output full records as JSON")
}

// capturesTailCmd follows the capture log in real time, like tail -f.
var capturesTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow new captures in real-time",
	Long:  `Watch the capture log and print each new entry as it is appended.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir := captureDataDir()
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Printf("[tapwire] Following %s (Ctrl+C to stop)\n", filepath.Join(dataDir, "messages.jsonl"))
		err := capture.Follow(ctx, dataDir, printCaptureEntry)
		if err == context.Canceled {
			return nil
		}
		return err
	},
}

// capturesClearCmd wipes the capture log.
var capturesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear all captured traffic",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Prefer the running proxy so its open file handle and index stay
		// consistent; fall back to clearing the files directly.
		cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)

		client := &http.Client{Timeout: 5 * time.Second}
		req, _ := http.NewRequest(http.MethodDelete, addr+"/api/captures", nil)
		resp, err := client.Do(req)
		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				fmt.Println("[tapwire] Captures cleared")
				return nil
			}
		}

		captures, err := openCaptureLog()
		if err != nil {
			return err
		}
		defer captures.Close()
		if err := captures.Clear(); err != nil {
			return fmt.Errorf("failed to clear captures: %w", err)
		}
		fmt.Println("[tapwire] Captures cleared")
		return nil
	},
}

// openCaptureLog opens the capture log at the configured data directory.
func openCaptureLog() (*capture.Log, error) {
	captures, err := capture.New(captureDataDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open capture log: %w", err)
	}
	return captures, nil
}

// captureDataDir resolves the data directory from config, defaulting to
// the config directory itself.
func captureDataDir() string {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err == nil && cfg.Capture.DataDir != "" {
		return cfg.Capture.DataDir
	}
	return configDir
}

// printCaptureEntry formats one log entry for terminal display.
func printCaptureEntry(e record.LogEntry) {
	switch e.Type {
	case "request":
		if req, ok := e.Request(); ok {
			fmt.Printf("[%s] request  id=%s model=%s stream=%v messages=%d\n",
				shortTimestamp(e.Timestamp), req.ID, req.Model, req.Stream, len(req.Messages))
		}
	case "response":
		if resp, ok := e.Response(); ok {
			stop := "(null)"
			if resp.StopReason != nil {
				stop = *resp.StopReason
			}
			fmt.Printf("[%s] response id=%s model=%s stop=%s tokens=%d/%d duration=%dms\n",
				shortTimestamp(e.Timestamp), resp.RequestID, resp.Model, stop,
				resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.DurationMs)
		}
	}
}

// shortTimestamp trims sub-second precision for table display.
func shortTimestamp(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

// ============================================================================
// tapwire config — Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit proxy configuration",
	Long: `Manage the Tapwire proxy configuration. The config file lives at
~/.tapwire/config.yaml and defines the server bind address, upstream
URL and timeouts, capture settings, and logging verbosity.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configGenerateCmd)
}

// configShowCmd prints the current configuration to stdout.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, "config.yaml")
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", configPath)
				fmt.Println("Run 'tapwire config generate' to create one, or start the proxy with defaults.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

// configEditCmd opens the config file in the user's preferred editor.
var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	Long:  `Open the Tapwire config file in your default editor ($EDITOR or $VISUAL).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, "config.yaml")

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = os.Getenv("VISUAL")
		}
		if editor == "" {
			if runtime.GOOS == "windows" {
				editor = "notepad"
			} else {
				editor = "vi"
			}
		}

		// Ensure the config file exists (create default if not).
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := os.MkdirAll(configDir, 0o755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := config.WriteDefault(configPath); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
		}

		// exec.Command resolves the editor via PATH, which os.StartProcess
		// would not.
		fmt.Printf("[tapwire] Opening %s in %s...\n", configPath, editor)
		editorCmd := exec.Command(editor, configPath)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		return editorCmd.Run()
	},
}

// configGenerateCmd writes a default config.yaml and prints the client
// environment needed to route traffic through the proxy.
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a default config and client setup snippet",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			fmt.Printf("Config already exists at %s\n", configPath)
		} else {
			if err := os.MkdirAll(configDir, 0o755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := config.WriteDefault(configPath); err != nil {
				return fmt.Errorf("failed to write default config: %w", err)
			}
			fmt.Printf("Wrote default config to %s\n", configPath)
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
		fmt.Println()
		fmt.Println("Point your Anthropic client at the proxy:")
		fmt.Println()
		fmt.Printf("  export ANTHROPIC_BASE_URL=%s\n", addr)
		fmt.Println()
		fmt.Println("Then start the proxy with 'tapwire start' and watch traffic with")
		fmt.Println("'tapwire captures tail'.")
		return nil
	},
}
