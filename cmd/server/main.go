package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	iofs "io/fs"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coder/cmux/internal/agent/external"
	"github.com/coder/cmux/internal/agentsession"
	"github.com/coder/cmux/internal/auth"
	"github.com/coder/cmux/internal/backup"
	"github.com/coder/cmux/internal/config"
	"github.com/coder/cmux/internal/configstore"
	"github.com/coder/cmux/internal/history"
	"github.com/coder/cmux/internal/housekeeping"
	"github.com/coder/cmux/internal/hub"
	"github.com/coder/cmux/internal/logger"
	"github.com/coder/cmux/internal/modelstream"
	"github.com/coder/cmux/internal/partial"
	"github.com/coder/cmux/internal/runtime"
	"github.com/coder/cmux/internal/toolreg"
	"github.com/coder/cmux/internal/transport"
	"github.com/coder/cmux/internal/workspace"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	// Check for subcommands before parsing flags
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			cmdInit()
			return
		case "token":
			cmdToken(os.Args[2:])
			return
		case "backup":
			cmdBackup(os.Args[2:])
			return
		case "prompt":
			cmdPrompt(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("cmux %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	// Default: run server
	runServer()
}

func printUsage() {
	fmt.Printf(`cmux %s - Multi-Workspace Coding-Agent Orchestrator

Usage: cmux [command] [options]

Commands:
  (default)    Start the server
  init         Initialize cmux directory structure
  token        Manage authentication tokens
  backup       Manage data-directory snapshots (list, create, restore)
  prompt       Manage scheduled prompts (list, create, delete)

Server Options:
  --dir <path>       cmux home directory
  --daemon           Start server in background and exit when ready

Config Precedence (for server):
  1. --dir flag
  2. CMUX_HOME env var
  3. ./.cmux (if initialized in current directory)
  4. ~/.cmux (default)

Examples:
  cmux                              Start the server (auto-detect config)
  cmux --dir /path/to/cmux          Start with specific config directory
  cmux --daemon                     Start in background
  cmux init                         Set up ~/.cmux
  cmux init --dir .                 Set up in current directory
  cmux token create --name ci       Mint an API token
`, Version)
}

func runServer() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "cmux home directory (default: ~/.cmux)")
	daemonFlag := flag.Bool("daemon", false, "Run in background and exit after server is ready")
	flag.Parse()

	if *showVersion {
		fmt.Printf("cmux %s\n", Version)
		os.Exit(0)
	}

	// Daemon mode: re-exec in background and wait for health check
	if *daemonFlag {
		runDaemon(*dirFlag)
		return
	}

	cmuxDir := resolveCmuxDir(*dirFlag)
	dataDir := filepath.Join(cmuxDir, "data")
	configDir := filepath.Join(cmuxDir, "config")

	// Check if initialized
	if _, err := os.Stat(filepath.Join(configDir, "cmux.jsonc")); errors.Is(err, iofs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "cmux not initialized. Run 'cmux init' first.")
		os.Exit(1)
	}

	cfg, err := config.LoadAll(configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Standard paths. dataDir itself is the config home (projects.json,
	// secrets.json); sessions holds per-workspace chat.jsonl/partial.json.
	sessionsDir := filepath.Join(dataDir, "sessions")
	logDir := filepath.Join(dataDir, "logs")

	if err := logger.Init(logDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Println("cmux - Multi-Workspace Coding-Agent Orchestrator")
	logger.Println("")

	if len(cfg.Models.Models) > 0 {
		logger.Printf("Loaded %d model(s)", len(cfg.Models.Models))
	}
	if err := cfg.Validate(); err != nil {
		logger.Printf("WARNING: %v", err)
		logger.Println("   Streams will fail until you add credentials.providers")
	}

	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		logger.Fatalf("Failed to create sessions directory: %v", err)
	}

	// Store plane: registry, history, partials. The ActiveChecker breaks
	// the construction cycle between history (which wants to know about
	// live streams) and the session manager (which wants history).
	store := configstore.New(dataDir)
	checker := &agentsession.ActiveChecker{}
	hist := history.New(sessionsDir, checker)
	part := partial.New(sessionsDir, hist)
	hb := hub.New()
	resolver := runtime.NewDefaultResolver()

	// Tool surface: shell/file tools dispatched inside a workspace's own
	// runtime, with the registry metadata protected from model writes.
	tools := toolreg.New(func(workspaceID string) (runtime.Runtime, string, []string, error) {
		ws, err := store.FindWorkspace(workspaceID)
		if err != nil {
			return nil, "", nil, err
		}
		rt, err := resolver.Resolve(ws.RuntimeConfig)
		if err != nil {
			return nil, "", nil, err
		}
		return rt, ws.Path, []string{filepath.Join(dataDir, "projects.json"), filepath.Join(dataDir, "secrets.json")}, nil
	})

	// Model provider
	var model modelstream.ModelStream
	if cred, ok := cfg.Credentials.GetDefaultProviderCredential(); ok && cred.APIKey != "" {
		model = external.NewAnthropicStream(cred.APIKey)
		logger.Printf("Model provider: %s", cred.Provider)
	} else {
		logger.Println("WARNING: no default provider credential; sendMessage will fail")
	}

	sessions := agentsession.NewManager(func(workspaceID string) (string, modelstream.ModelStream, modelstream.ToolDispatcher, error) {
		ws, err := store.FindWorkspace(workspaceID)
		if err != nil {
			return "", nil, nil, err
		}
		if model == nil {
			return "", nil, nil, fmt.Errorf("no model provider configured")
		}
		return ws.ProjectPath, model, tools.ForWorkspace(workspaceID), nil
	}, hist, part, hb)
	checker.Bind(sessions)

	lifecycle := workspace.New(store, resolver, sessions, hb)

	logger.Printf("Data directory: %s", dataDir)
	logger.Printf("Logs directory: %s", logDir)
	logger.Println("")

	authStore, err := auth.NewStore(dataDir)
	if err != nil {
		logger.Fatalf("Failed to initialize auth store: %v", err)
	}
	defer func() { _ = authStore.Close() }()
	logger.Printf("Auth database: %s/auth.db", dataDir)

	// Housekeeping: stale-partial recovery, socket/tmp-file reaping, disk
	// monitoring, scheduled prompts.
	prompts := housekeeping.NewStore(dataDir)
	keeper := housekeeping.NewRunner(store, part, sessions, sessions, prompts, dataDir)
	if err := keeper.Start(); err != nil {
		logger.Printf("WARNING: housekeeping failed to start: %v", err)
	}

	// Backup automation if enabled
	var backupMgr *backup.Manager
	if cfg.Defaults.Backup.Enabled {
		backupDir := cfg.Defaults.Backup.Directory
		if !filepath.IsAbs(backupDir) {
			backupDir = filepath.Join(cmuxDir, backupDir)
		}
		backupMgr, err = backup.New(backup.Config{
			DataDir:   dataDir,
			BackupDir: backupDir,
			Retention: cfg.Defaults.Backup.Retention,
		})
		if err != nil {
			logger.Printf("WARNING: failed to initialize backup: %v", err)
		} else {
			backupMgr.Start(time.Duration(cfg.Defaults.Backup.IntervalHours) * time.Hour)
			logger.Printf("Backup automation enabled (dir=%s, retention=%d, interval=%dh)",
				backupDir, cfg.Defaults.Backup.Retention, cfg.Defaults.Backup.IntervalHours)
		}
	}

	server := transport.New(store, lifecycle, sessions, hist, hb, authStore)
	server.EnableMCP(tools)

	addr := cfg.Server.Address
	logger.Println("Starting cmux server...")
	logger.Printf("Server address: http://localhost%s", addr)
	logger.Println("")

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve(addr)
	}()

	select {
	case err := <-serverErr:
		logger.Fatalf("Server error: %v", err)
	case sig := <-shutdownChan:
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		logger.Println("   Draining HTTP server...")
		_ = server.Close(ctx)

		logger.Println("   Stopping housekeeping...")
		keeper.Stop()

		if backupMgr != nil {
			logger.Println("   Stopping backup...")
			backupMgr.Stop()
		}

		logger.Println("   Closing auth database...")
		_ = authStore.Close()

		logger.Println("Shutdown complete")
		_ = logger.Close()
		os.Exit(0) //nolint:gocritic // intentional exit after manual cleanup
	}
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "Directory to initialize (default: ~/.cmux)")
	_ = fs.Parse(os.Args[2:])

	var cmuxDir string
	if *dirFlag != "" {
		absDir, err := filepath.Abs(*dirFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid directory: %v\n", err)
			os.Exit(1)
		}
		cmuxDir = absDir
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not determine home directory: %v\n", err)
			os.Exit(1)
		}
		cmuxDir = filepath.Join(homeDir, ".cmux")
	}

	configDir := filepath.Join(cmuxDir, "config")
	dataDir := filepath.Join(cmuxDir, "data")

	// Check if already initialized (look for config file, not just directory)
	configFile := filepath.Join(configDir, "cmux.jsonc")
	if _, err := os.Stat(configFile); err == nil {
		fmt.Printf("%s is already initialized.\n", cmuxDir)
		fmt.Print("Overwrite? [y/N]: ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	fmt.Println("Initializing cmux")
	fmt.Println("")

	dirs := []string{
		configDir,
		filepath.Join(dataDir, "sessions"),
		filepath.Join(dataDir, "logs"),
		filepath.Join(dataDir, "backups"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", dir, err)
			os.Exit(1)
		}
		fmt.Printf("   Created %s\n", dir)
	}

	unifiedConfig := `{
  // cmux Configuration

  "server": {
    "address": ":8080"
  },

  "credentials": {
    "providers": {
      "anthropic": {
        "provider": "anthropic",
        "apiKey": "",
        "description": "Anthropic API key"
      }
    },
    "default": "anthropic"
  },

  "defaults": {
    "backup": {
      "enabled": false,
      "directory": "data/backups",
      "retention": 7,
      "intervalHours": 24
    },
    "audit": {
      "enabled": true
    }
  },

  "models": {
    "models": {
      "sonnet": {
        "model": "claude-sonnet-4-5",
        "displayName": "Sonnet 4.5",
        "maxOutputTokens": 64000,
        "provider": "anthropic"
      },
      "opus": {
        "model": "claude-opus-4-5",
        "displayName": "Opus 4.5",
        "maxOutputTokens": 64000,
        "provider": "anthropic"
      }
    },
    "defaultModel": "sonnet"
  }
}
`
	configPath := filepath.Join(configDir, "cmux.jsonc")
	if err := os.WriteFile(configPath, []byte(unifiedConfig), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating cmux.jsonc: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("   Created %s\n", configPath)

	fmt.Println("")
	fmt.Println("Creating admin token...")
	authStore, err := auth.NewStore(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing auth store: %v\n", err)
		os.Exit(1)
	}

	_, tokenID, err := authStore.CreateToken("admin", "admin", nil)
	if err != nil {
		_ = authStore.Close()
		fmt.Fprintf(os.Stderr, "Error creating token: %v\n", err)
		os.Exit(1)
	}
	_ = authStore.Close()

	fmt.Println("")
	fmt.Println("Admin token (save this - it cannot be retrieved later):")
	fmt.Printf("   %s\n", tokenID)

	fmt.Println("")
	fmt.Println("cmux initialized!")
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Printf("   1. Edit %s with your API key\n", configPath)
	fmt.Println("   2. Run 'cmux' to start the server")
}

func cmdToken(args []string) {
	if len(args) < 1 {
		printTokenUsage()
		os.Exit(1)
	}

	cmuxDir := resolveCmuxDir("")
	dataDir := filepath.Join(cmuxDir, "data")

	store, err := auth.NewStore(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing auth store: %v\n", err)
		os.Exit(1)
	}

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "create":
		tokenCreate(store, cmdArgs)
	case "list":
		tokenList(store)
	case "revoke":
		tokenRevoke(store, cmdArgs)
	case "info":
		tokenInfo(store, cmdArgs)
	case "help", "-h", "--help":
		_ = store.Close()
		printTokenUsage()
		return
	default:
		_ = store.Close()
		fmt.Fprintf(os.Stderr, "Unknown token command: %s\n", cmd)
		printTokenUsage()
		os.Exit(1)
	}
	_ = store.Close()
}

func printTokenUsage() {
	fmt.Println(`Token Management

Usage: cmux token <command> [options]

Commands:
  create    Create a new API token
  list      List all tokens
  revoke    Revoke a token
  info      Get token details
  help      Show this help

Scope Formats:
  admin               Full access to all channels and projects
  project:<path>      Full access to one project
  project:<path>:ro   Read-only access to one project

Examples:
  cmux token create --name ci --scope admin
  cmux token create --name reviewer --scope 'project:/home/me/repo:ro'
  cmux token list
  cmux token revoke <token-id>`)
}

func tokenCreate(store *auth.Store, args []string) {
	fs := flag.NewFlagSet("token create", flag.ExitOnError)
	name := fs.String("name", "", "Token name (required)")
	scope := fs.String("scope", "admin", "Token scope")
	expires := fs.String("expires", "", "Expiry duration (e.g. 720h); empty = never")
	_ = fs.Parse(args)

	if *name == "" {
		fmt.Fprintln(os.Stderr, "Error: --name is required")
		os.Exit(1)
	}
	if !isValidTokenScope(*scope) {
		fmt.Fprintf(os.Stderr, "Error: invalid scope %q\n", *scope)
		os.Exit(1)
	}

	var expiresAt *time.Time
	if *expires != "" {
		d, err := time.ParseDuration(*expires)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid --expires: %v\n", err)
			os.Exit(1)
		}
		t := time.Now().Add(d)
		expiresAt = &t
	}

	token, tokenID, err := store.CreateToken(*name, *scope, expiresAt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Token created (save this - it cannot be retrieved later):")
	fmt.Printf("   %s\n", tokenID)
	fmt.Printf("Name: %s  Scope: %s\n", token.Name, token.Scope)
	if token.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", token.ExpiresAt.Format(time.RFC3339))
	}
}

func tokenList(store *auth.Store) {
	tokens, err := store.ListTokens()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing tokens: %v\n", err)
		os.Exit(1)
	}
	if len(tokens) == 0 {
		fmt.Println("No tokens.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSCOPE\tCREATED\tLAST USED\tSTATUS")
	for _, t := range tokens {
		lastUsed := "never"
		if t.LastUsedAt != nil {
			lastUsed = t.LastUsedAt.Format("2006-01-02 15:04")
		}
		status := "active"
		if t.ExpiresAt != nil && t.ExpiresAt.Before(time.Now()) {
			status = "expired"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			maskTokenID(t.ID), t.Name, t.Scope, t.CreatedAt.Format("2006-01-02"), lastUsed, status)
	}
	_ = w.Flush()
}

func tokenRevoke(store *auth.Store, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: cmux token revoke <token-id>")
		os.Exit(1)
	}
	if err := store.RevokeToken(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Error revoking token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Token revoked.")
}

func tokenInfo(store *auth.Store, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: cmux token info <token-id>")
		os.Exit(1)
	}
	t, err := store.GetToken(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ID:        %s\n", maskTokenID(t.ID))
	fmt.Printf("Name:      %s\n", t.Name)
	fmt.Printf("Scope:     %s\n", t.Scope)
	fmt.Printf("Created:   %s\n", t.CreatedAt.Format(time.RFC3339))
	if t.ExpiresAt != nil {
		fmt.Printf("Expires:   %s\n", t.ExpiresAt.Format(time.RFC3339))
	}
	if t.LastUsedAt != nil {
		fmt.Printf("Last used: %s\n", t.LastUsedAt.Format(time.RFC3339))
	}
}

func isValidTokenScope(scope string) bool {
	if scope == "admin" {
		return true
	}
	if strings.HasPrefix(scope, "project:") {
		rest := strings.TrimPrefix(scope, "project:")
		rest = strings.TrimSuffix(rest, ":ro")
		return rest != ""
	}
	return false
}

func maskTokenID(tokenID string) string {
	if len(tokenID) <= 12 {
		return tokenID
	}
	return tokenID[:8] + "..." + tokenID[len(tokenID)-4:]
}

func cmdBackup(args []string) {
	cmuxDir := resolveCmuxDir("")
	dataDir := filepath.Join(cmuxDir, "data")
	configDir := filepath.Join(cmuxDir, "config")

	backupDir := filepath.Join(dataDir, "backups")
	retention := 7
	if cfg, err := config.LoadAll(configDir); err == nil {
		if cfg.Defaults.Backup.Directory != "" {
			backupDir = cfg.Defaults.Backup.Directory
			if !filepath.IsAbs(backupDir) {
				backupDir = filepath.Join(cmuxDir, backupDir)
			}
		}
		retention = cfg.Defaults.Backup.Retention
	}

	mgr, err := backup.New(backup.Config{DataDir: dataDir, BackupDir: backupDir, Retention: retention})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cmd := "list"
	if len(args) > 0 {
		cmd = args[0]
	}
	switch cmd {
	case "list":
		snaps, err := mgr.ListSnapshots()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots.")
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FILENAME\tTIMESTAMP\tSIZE")
		for _, s := range snaps {
			fmt.Fprintf(w, "%s\t%s\t%d\n", s.Filename, s.Timestamp.Format(time.RFC3339), s.SizeBytes)
		}
		_ = w.Flush()
	case "create":
		snap, err := mgr.Snapshot()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created %s (%d bytes)\n", snap.Filename, snap.SizeBytes)
	case "restore":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: cmux backup restore <filename>")
			os.Exit(1)
		}
		if err := mgr.Restore(args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Restored. Restart the server to pick up the restored state.")
	default:
		fmt.Fprintf(os.Stderr, "Unknown backup command: %s (want list|create|restore)\n", cmd)
		os.Exit(1)
	}
}

func cmdPrompt(args []string) {
	cmuxDir := resolveCmuxDir("")
	dataDir := filepath.Join(cmuxDir, "data")
	store := housekeeping.NewStore(dataDir)

	cmd := "list"
	if len(args) > 0 {
		cmd = args[0]
	}
	switch cmd {
	case "list":
		prompts, err := store.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(prompts) == 0 {
			fmt.Println("No scheduled prompts.")
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tWORKSPACE\tSCHEDULE\tENABLED\tPROMPT")
		for _, p := range prompts {
			text := p.Prompt
			if len(text) > 40 {
				text = text[:37] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", p.ID, p.WorkspaceID, p.CronExpr, p.Enabled, text)
		}
		_ = w.Flush()
	case "create":
		fs := flag.NewFlagSet("prompt create", flag.ExitOnError)
		workspaceID := fs.String("workspace", "", "Workspace id (required)")
		schedule := fs.String("schedule", "", "Cron schedule, 5 fields (required)")
		text := fs.String("text", "", "Prompt text (required)")
		_ = fs.Parse(args[1:])
		if *workspaceID == "" || *schedule == "" || *text == "" {
			fmt.Fprintln(os.Stderr, "Usage: cmux prompt create --workspace <id> --schedule '<cron>' --text '<prompt>'")
			os.Exit(1)
		}
		p, err := store.Create(housekeeping.ScheduledPrompt{
			WorkspaceID: *workspaceID,
			CronExpr:    *schedule,
			Prompt:      *text,
			Enabled:     true,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created %s (a running server picks it up at its next hourly sweep)\n", p.ID)
	case "delete":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: cmux prompt delete <id>")
			os.Exit(1)
		}
		if err := store.Delete(args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Deleted.")
	default:
		fmt.Fprintf(os.Stderr, "Unknown prompt command: %s (want list|create|delete)\n", cmd)
		os.Exit(1)
	}
}

func resolveCmuxDir(flagDir string) string {
	// 1. Explicit flag takes highest precedence
	if flagDir != "" {
		absDir, err := filepath.Abs(flagDir)
		if err != nil {
			log.Fatalf("Invalid directory: %v", err)
		}
		return absDir
	}

	// 2. CMUX_HOME env var
	if envDir := os.Getenv("CMUX_HOME"); envDir != "" {
		absDir, err := filepath.Abs(envDir)
		if err != nil {
			log.Fatalf("Invalid CMUX_HOME: %v", err)
		}
		return absDir
	}

	// 3. Check current directory for config/cmux.jsonc (direct) or .cmux/config/cmux.jsonc
	cwd, err := os.Getwd()
	if err == nil {
		directConfig := filepath.Join(cwd, "config", "cmux.jsonc")
		if _, err := os.Stat(directConfig); err == nil {
			return cwd
		}
		localDir := filepath.Join(cwd, ".cmux")
		configFile := filepath.Join(localDir, "config", "cmux.jsonc")
		if _, err := os.Stat(configFile); err == nil {
			return localDir
		}
	}

	// 4. Default to ~/.cmux
	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Failed to get home directory: %v", err)
	}
	return filepath.Join(homeDir, ".cmux")
}

// runDaemon starts the server in background and waits for it to be ready
func runDaemon(dirFlag string) {
	executable, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finding executable: %v\n", err)
		os.Exit(1)
	}

	cmuxDir := resolveCmuxDir(dirFlag)
	configDir := filepath.Join(cmuxDir, "config")
	cfg, err := config.LoadAll(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	serverAddr := cfg.Server.Address
	if serverAddr == "" {
		serverAddr = ":8080"
	}
	port := serverAddr
	if idx := strings.LastIndex(serverAddr, ":"); idx >= 0 {
		port = serverAddr[idx+1:]
	}
	healthURL := fmt.Sprintf("http://localhost:%s/health", port)

	// Check if already running
	resp, err := http.Get(healthURL)
	if err == nil {
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Printf("cmux already running on port %s\n", port)
			os.Exit(0)
		}
	}

	logFile := filepath.Join(cmuxDir, "data", "logs", "daemon.log")
	cmdStr := fmt.Sprintf("nohup %s", executable)
	if dirFlag != "" {
		cmdStr += fmt.Sprintf(" --dir %s", dirFlag)
	}
	cmdStr += fmt.Sprintf(" > %s 2>&1 &", logFile)

	cmd := exec.Command("sh", "-c", cmdStr)
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting cmux on port %s...\n", port)

	maxWait := 30 * time.Second
	checkInterval := 500 * time.Millisecond
	deadline := time.Now().Add(maxWait)

	for time.Now().Before(deadline) {
		resp, err := http.Get(healthURL)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				fmt.Printf("cmux running on port %s\n", port)
				os.Exit(0)
			}
		}
		time.Sleep(checkInterval)
	}

	fmt.Fprintf(os.Stderr, "Error: server failed to start within %v\n", maxWait)
	fmt.Fprintf(os.Stderr, "Check logs at: %s\n", logFile)
	os.Exit(1)
}
