package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/sshterm/internal/config"
	"github.com/gluk-w/sshterm/internal/database"
	"github.com/gluk-w/sshterm/internal/handlers"
	"github.com/gluk-w/sshterm/internal/logging"
	"github.com/gluk-w/sshterm/internal/session"
	"github.com/gluk-w/sshterm/internal/sshfiles"
	"github.com/gluk-w/sshterm/internal/sshmanager"
	"github.com/gluk-w/sshterm/internal/sshtunnel"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--list-known-hosts":
			runCLICommand("list-known-hosts")
			return
		case "--forget-host":
			runCLICommand("forget-host")
			return
		case "--prune-history":
			runCLICommand("prune-history")
			return
		}
	}

	config.Load()
	cfg := config.Cfg

	logging.Init(cfg.LogPath)
	defer logging.Shutdown()

	if err := database.Init(cfg.DatabasePath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hostKeyCallback, err := sshmanager.HostKeyCallbackFor(cfg.HostKeyPolicy, cfg.KnownHostsPath, database.KnownHosts{DB: database.DB})
	if err != nil {
		log.Fatalf("Host key policy: %v", err)
	}
	allowed, err := sshmanager.ParseAllowedIPs(cfg.AllowedDestinations)
	if err != nil {
		log.Fatalf("Allowed destinations: %v", err)
	}

	sshMgr := sshmanager.NewSSHManager(cfg.MaxConnections)
	handlers.SSHMgr = sshMgr
	log.Printf("SSH manager initialized (policy=%s, max_connections=%d, allowed=%d networks)",
		cfg.HostKeyPolicy, cfg.MaxConnections, len(allowed))

	tunnelMgr := sshtunnel.NewTunnelManager()
	sessionMgr := session.NewManager(session.ManagerConfig{
		IdleTimeout:      cfg.IdleSessionTimeout,
		CleanupSchedule:  cfg.CleanupSchedule,
		HistoryRetention: cfg.HistoryRetention,
		MaxSessions:      cfg.MaxSessions,
		Connector:        sshMgr,
		Tunnels:          tunnelMgr,
	})
	if err := sessionMgr.StartCleanup(); err != nil {
		log.Fatalf("Session cleanup: %v", err)
	}
	handlers.Sessions = sessionMgr

	handlers.Defaults = handlers.SessionDefaults{
		Term:            cfg.DefaultTerm,
		Rows:            cfg.DefaultRows,
		Cols:            cfg.DefaultCols,
		ScrollbackLines: cfg.ScrollbackLines,
		Transport: sshmanager.Options{
			DialTimeout:       cfg.DialTimeout,
			KeepaliveInterval: cfg.KeepaliveInterval,
			KeepaliveTimeout:  cfg.KeepaliveTimeout,
			RekeyThreshold:    cfg.RekeyThreshold,
			HostKeyCallback:   hostKeyCallback,
			AllowedNetworks:   allowed,
		},
		SFTP: sshfiles.Options{
			ChunkSize:      cfg.SFTPChunkSize,
			MaxInflight:    cfg.SFTPMaxInflight,
			RequestTimeout: cfg.SFTPRequestTimeout,
		},
		Record:         cfg.RecordingDir != "",
		RecordingDir:   cfg.RecordingDir,
		Persist:        true,
		InputRate:      cfg.InputRateLimit,
		InputBurst:     cfg.InputRateBurst,
		ConnectTimeout: cfg.DialTimeout + cfg.KeepaliveTimeout,

		ForwardAnyAddress: cfg.ForwardAnyAddress,
	}
	log.Printf("Session manager initialized (size=%dx%d, scrollback=%d, recording=%q, idle_timeout=%s)",
		cfg.DefaultCols, cfg.DefaultRows, cfg.ScrollbackLines, cfg.RecordingDir, cfg.IdleSessionTimeout)

	if cfg.APIToken == "" {
		log.Printf("SSHTERM_API_TOKEN is empty, serving the API on loopback %s only", cfg.ListenAddr)
	}

	// Graceful shutdown
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handlers.NewRouter(cfg.APIToken),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessionMgr.StopCleanup()
	if err := sessionMgr.CloseAll(shutdownCtx); err != nil {
		log.Printf("Session shutdown: %v", err)
	}
	tunnelMgr.CloseAll()
	if err := sshMgr.CloseAll(); err != nil {
		log.Printf("SSH manager shutdown: %v", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	host := fs.String("host", "", "Host as host:port")
	olderThan := fs.Duration("older-than", 30*24*time.Hour, "Age of history records to delete")
	fs.Parse(os.Args[2:])

	config.Load()
	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	switch command {
	case "list-known-hosts":
		hosts, err := database.ListKnownHosts()
		if err != nil {
			log.Fatalf("Failed to list known hosts: %v", err)
		}
		for _, h := range hosts {
			fmt.Printf("%s\t%s\t%s\tlast seen %s\n", h.Host, h.KeyType, h.Fingerprint, h.LastSeen.Format(time.RFC3339))
		}

	case "forget-host":
		if *host == "" {
			fmt.Fprintf(os.Stderr, "Usage: sshterm --forget-host --host <host:port>\n")
			os.Exit(1)
		}
		if err := database.ForgetHost(*host); err != nil {
			log.Fatalf("Failed to forget host: %v", err)
		}
		fmt.Printf("Host key for '%s' removed.\n", *host)

	case "prune-history":
		n, err := database.PruneHistory(time.Now().Add(-*olderThan))
		if err != nil {
			log.Fatalf("Failed to prune history: %v", err)
		}
		fmt.Printf("Deleted %d history record(s) older than %s.\n", n, *olderThan)
	}
}
