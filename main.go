// Command ctorgame starts the multiplayer capture game server.
//
// It supports two modes:
//  1. "serve" (default) – runs the HTTP server exposing the REST API, the /ws game protocol and an /mcp endpoint
//  2. "stdio-mcp" – runs an MCP stdio server and spins up an internal HTTP API if none is available
//
// Every flag can also be set through the environment; a .env file in the
// working directory is loaded first.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/urfave/cli/v3"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"

	"github.com/wricardo/ctorgame/api"
	"github.com/wricardo/ctorgame/game/config"
	"github.com/wricardo/ctorgame/game/service"
	"github.com/wricardo/ctorgame/game/session"
	"github.com/wricardo/ctorgame/storage/archive"
	"github.com/wricardo/ctorgame/storage/postgres"
	"github.com/wricardo/ctorgame/transport/mcp"
	"github.com/wricardo/ctorgame/transport/websocket"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "ctorgame server"
)

func main() {
	// Load .env file if it exists (ignore error if not found)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Warning: Error loading .env file: %v", err)
		}
	} else {
		log.Println("Loaded environment variables from .env file")
	}

	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

// newApp builds the root command with its serve and stdio-mcp modes
func newApp() *cli.Command {
	return &cli.Command{
		Name:           "ctorgame",
		Usage:          AppName,
		Version:        Version,
		Flags:          serverFlags(),
		Before:         setupLogging,
		DefaultCommand: "serve",
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"server", "http"},
				Usage:   "Run HTTP server with API, WebSocket, and MCP endpoint",
				Action:  runServe,
			},
			{
				Name:    "stdio-mcp",
				Aliases: []string{"mcp-stdio", "mcp"},
				Usage:   "Run MCP stdio server, reusing a running API or starting an internal one",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "api-url",
						Value:   "http://localhost:8080",
						Usage:   "API server to proxy MCP tools to when it is reachable",
						Sources: cli.EnvVars("CTORGAME_API_URL"),
					},
				},
				Action: runStdioMCP,
			},
		},
	}
}

// serverFlags are shared by every mode
func serverFlags() []cli.Flag {
	defaults := config.DefaultSettings()

	return []cli.Flag{
		&cli.StringFlag{Name: "host", Value: "localhost", Usage: "HTTP server host", Sources: cli.EnvVars("CTORGAME_HOST")},
		&cli.IntFlag{Name: "port", Value: 8080, Usage: "HTTP server port", Sources: cli.EnvVars("CTORGAME_PORT", "PORT")},
		&cli.StringFlag{Name: "config-dir", Value: "configs", Usage: "Directory containing rule presets", Sources: cli.EnvVars("CONFIG_DIR")},
		&cli.StringFlag{Name: "preset", Usage: "Preset used when createGame names none", Sources: cli.EnvVars("CTORGAME_DEFAULT_PRESET")},
		&cli.BoolFlag{Name: "debug", Usage: "Enable debug logging", Sources: cli.EnvVars("CTORGAME_DEBUG")},

		&cli.IntFlag{Name: "max-active-games", Value: defaults.MaxActiveGames, Usage: "Cap on waiting plus playing games", Sources: cli.EnvVars("CTORGAME_MAX_ACTIVE_GAMES")},
		&cli.IntFlag{Name: "code-digits", Value: defaults.CodeDigits, Usage: "Join code length", Sources: cli.EnvVars("CTORGAME_CODE_DIGITS")},
		&cli.IntFlag{Name: "code-attempts", Value: defaults.CodeAttempts, Usage: "Join code generation attempts before giving up", Sources: cli.EnvVars("CTORGAME_CODE_ATTEMPTS")},
		&cli.DurationFlag{Name: "idle-timeout", Value: defaults.IdleTimeout, Usage: "Inactivity before a game expires", Sources: cli.EnvVars("CTORGAME_IDLE_TIMEOUT")},
		&cli.DurationFlag{Name: "retention", Value: defaults.Retention, Usage: "How long finished games are kept (0 keeps them forever)", Sources: cli.EnvVars("CTORGAME_RETENTION")},
		&cli.DurationFlag{Name: "sweep-interval", Value: defaults.SweepInterval, Usage: "Expiry and retention sweep interval", Sources: cli.EnvVars("CTORGAME_SWEEP_INTERVAL")},
		&cli.DurationFlag{Name: "store-timeout", Value: defaults.StoreTimeout, Usage: "Deadline for each storage call", Sources: cli.EnvVars("CTORGAME_STORE_TIMEOUT")},

		&cli.StringFlag{Name: "database-url", Usage: "Postgres DSN; games are kept in memory when empty", Sources: cli.EnvVars("DATABASE_URL")},
		&cli.StringFlag{Name: "moves-dir", Usage: "Directory for JSON-lines move logs when running without a database", Sources: cli.EnvVars("CTORGAME_MOVES_DIR")},

		&cli.StringFlag{Name: "archive-bucket", Usage: "S3 bucket receiving finished game histories before purge", Sources: cli.EnvVars("CTORGAME_ARCHIVE_BUCKET")},
		&cli.StringFlag{Name: "archive-prefix", Value: "games", Usage: "Key prefix inside the archive bucket", Sources: cli.EnvVars("CTORGAME_ARCHIVE_PREFIX")},
		&cli.StringFlag{Name: "archive-region", Usage: "Archive bucket region", Sources: cli.EnvVars("AWS_REGION")},
		&cli.StringFlag{Name: "archive-endpoint", Usage: "S3-compatible endpoint (R2, MinIO)", Sources: cli.EnvVars("AWS_ENDPOINT_URL_S3")},
		&cli.StringFlag{Name: "archive-access-key", Usage: "Archive access key id", Sources: cli.EnvVars("AWS_ACCESS_KEY_ID")},
		&cli.StringFlag{Name: "archive-secret-key", Usage: "Archive secret access key", Sources: cli.EnvVars("AWS_SECRET_ACCESS_KEY")},
		&cli.BoolFlag{Name: "archive-path-style", Usage: "Use path-style bucket addressing", Sources: cli.EnvVars("CTORGAME_ARCHIVE_PATH_STYLE")},

		&cli.BoolFlag{Name: "ngrok", Usage: "Enable ngrok tunnel", Sources: cli.EnvVars("NGROK_ENABLED")},
		&cli.StringFlag{Name: "ngrok-auth", Usage: "Ngrok auth token", Sources: cli.EnvVars("NGROK_AUTHTOKEN", "NGROK_AUTH_TOKEN")},
		&cli.StringFlag{Name: "ngrok-domain", Usage: "Custom ngrok domain (optional)", Sources: cli.EnvVars("NGROK_DOMAIN")},
	}
}

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if cmd.Bool("debug") {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	} else {
		log.SetFlags(log.LstdFlags)
	}
	return ctx, nil
}

// settingsFromCommand builds session settings from flags
func settingsFromCommand(cmd *cli.Command) (config.Settings, error) {
	s := config.DefaultSettings()
	s.MaxActiveGames = cmd.Int("max-active-games")
	s.CodeDigits = cmd.Int("code-digits")
	s.CodeAttempts = cmd.Int("code-attempts")
	s.IdleTimeout = cmd.Duration("idle-timeout")
	s.Retention = cmd.Duration("retention")
	s.SweepInterval = cmd.Duration("sweep-interval")
	s.StoreTimeout = cmd.Duration("store-timeout")

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// app holds the wired server components for one process
type app struct {
	presets *config.Manager
	manager *session.Manager
	hub     *websocket.Hub
	service service.GameService
	sweeper *session.Sweeper
	closers []func() error
}

// initializeServices wires storage, presets, the session manager and the game service
func initializeServices(ctx context.Context, cmd *cli.Command) (*app, error) {
	settings, err := settingsFromCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	presets, err := config.NewManager(cmd.String("config-dir"), settings.Rules)
	if err != nil {
		return nil, fmt.Errorf("failed to create config manager: %w", err)
	}
	if name := cmd.String("preset"); name != "" {
		if err := presets.SetDefault(name); err != nil {
			return nil, fmt.Errorf("failed to set default preset %q: %w", name, err)
		}
		log.Printf("Default preset: %s", name)
	}

	a := &app{presets: presets, hub: websocket.NewHub()}

	store, moves, err := a.openStorage(ctx, cmd)
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := []session.Option{session.WithRules(presets)}
	archiver, err := openArchiver(ctx, cmd)
	if err != nil {
		a.Close()
		return nil, err
	}
	if archiver != nil {
		opts = append(opts, session.WithArchiver(archiver))
	}

	a.manager, err = session.NewManager(store, moves, a.hub, settings, opts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	a.sweeper, err = session.NewSweeper(a.manager, settings.SweepInterval)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create sweeper: %w", err)
	}
	a.closers = append(a.closers, a.sweeper.Shutdown)

	a.service = service.NewGameService(a.manager, presets, a.hub)
	return a, nil
}

// openStorage picks postgres when a DSN is configured, memory otherwise
func (a *app) openStorage(ctx context.Context, cmd *cli.Command) (session.SessionStore, session.MoveLog, error) {
	if dsn := cmd.String("database-url"); dsn != "" {
		db, err := postgres.Open(dsn)
		if err != nil {
			return nil, nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		store := postgres.NewStore(db)
		if err := store.Migrate(ctx); err != nil {
			return nil, nil, err
		}

		moves, err := postgres.OpenMoveLog(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, moves.Close)
		if err := moves.Migrate(ctx); err != nil {
			return nil, nil, err
		}

		log.Println("Storage: postgres")
		return store, moves, nil
	}

	memory := session.NewMemoryStore()
	if dir := cmd.String("moves-dir"); dir != "" {
		moves, err := session.NewFileMoveLog(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create move log: %w", err)
		}
		log.Printf("Storage: memory, move log in %s", dir)
		return memory, moves, nil
	}

	log.Println("Storage: memory")
	return memory, memory, nil
}

// openArchiver returns nil when no archive bucket is configured
func openArchiver(ctx context.Context, cmd *cli.Command) (session.Archiver, error) {
	bucket := cmd.String("archive-bucket")
	if bucket == "" {
		return nil, nil
	}

	archiver, err := archive.NewS3Archiver(ctx, archive.Options{
		Bucket:    bucket,
		Prefix:    cmd.String("archive-prefix"),
		Region:    cmd.String("archive-region"),
		Endpoint:  cmd.String("archive-endpoint"),
		AccessKey: cmd.String("archive-access-key"),
		SecretKey: cmd.String("archive-secret-key"),
		PathStyle: cmd.Bool("archive-path-style"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create archiver: %w", err)
	}
	log.Printf("Archiving finished games to s3://%s/%s", bucket, cmd.String("archive-prefix"))
	return archiver, nil
}

// Close stops the sweeper and releases storage handles in reverse order
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}
	a.closers = nil
}

// router mounts the REST API, /ws and the /mcp proxy pointing back at baseURL
func (a *app) router(baseURL string) http.Handler {
	apiServer := api.NewServer(a.service, websocket.NewHandler(a.hub, a.manager))
	mcpClient := mcp.NewClient(baseURL)

	mainRouter := http.NewServeMux()
	mainRouter.Handle("/", apiServer)
	mainRouter.Handle("/mcp", mcpClient.HTTPHandler())
	return mainRouter
}

// loopbackURL is the address in-process clients use to reach the server
func loopbackURL(host string, port int) string {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(port)))
}

// runServe starts the HTTP server and the sweeper. If ngrok is enabled it
// also provisions a public tunnel.
func runServe(ctx context.Context, cmd *cli.Command) error {
	log.Printf("Starting %s v%s (mode: serve)", AppName, Version)

	a, err := initializeServices(ctx, cmd)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer a.Close()
	a.sweeper.Start()

	host, port := cmd.String("host"), cmd.Int("port")
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	mainRouter := a.router(loopbackURL(host, port))

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mainRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	var wg sync.WaitGroup
	serveErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()

		log.Printf("HTTP server listening on %s", addr)
		log.Printf("REST API: http://%s/api", addr)
		log.Printf("WebSocket: ws://%s/ws", addr)
		log.Printf("MCP endpoint: http://%s/mcp", addr)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if cmd.Bool("ngrok") {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runNgrokTunnel(ctx, cmd.String("ngrok-auth"), cmd.String("ngrok-domain"), mainRouter)
		}()
	}

	var runErr error
	select {
	case sig := <-stop:
		log.Printf("Received signal: %v. Shutting down...", sig)
	case runErr = <-serveErr:
		log.Printf("HTTP server failed: %v", runErr)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	wg.Wait()
	log.Println("Server stopped")
	return runErr
}

// runNgrokTunnel serves handler through an ngrok endpoint until ctx is done
func runNgrokTunnel(ctx context.Context, authToken, domain string, handler http.Handler) {
	if authToken == "" {
		log.Println("WARNING: Ngrok enabled but no auth token provided (use --ngrok-auth, NGROK_AUTHTOKEN, or NGROK_AUTH_TOKEN env var)")
		return
	}

	log.Println("Starting ngrok tunnel...")

	var tunnel ngrokConfig.Tunnel
	if domain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(domain))
		log.Printf("Using custom ngrok domain: %s", domain)
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(authToken))
	if err != nil {
		log.Printf("Failed to start ngrok tunnel: %v", err)
		return
	}

	go func() {
		<-ctx.Done()
		if err := tun.Close(); err != nil {
			log.Printf("Failed to close ngrok tunnel: %v", err)
		}
	}()

	ngrokURL := tun.URL()
	log.Printf("Ngrok tunnel established: %s", ngrokURL)
	log.Printf("  REST API (ngrok): %s/api", ngrokURL)
	log.Printf("  MCP endpoint (ngrok): %s/mcp", ngrokURL)

	if err := http.Serve(tun, handler); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		log.Printf("Ngrok server error: %v", err)
	}
	log.Println("Ngrok tunnel closed")
}

// apiReachable reports whether a ctorgame API answers at baseURL
func apiReachable(baseURL string) bool {
	testClient := &http.Client{Timeout: 2 * time.Second}
	resp, err := testClient.Get(baseURL + "/api/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// runStdioMCP runs an MCP stdio server. It reuses the API at --api-url when
// reachable; otherwise it starts an internal server on a random loopback port.
func runStdioMCP(ctx context.Context, cmd *cli.Command) error {
	log.Printf("Starting %s v%s (mode: stdio-mcp)", AppName, Version)

	externalURL := cmd.String("api-url")
	log.Printf("Checking for external API server at %s...", externalURL)

	baseURL := externalURL
	if apiReachable(externalURL) {
		log.Printf("External API server found at %s, using it for MCP", externalURL)
	} else {
		log.Printf("No external API server found, starting internal HTTP server")

		a, err := initializeServices(ctx, cmd)
		if err != nil {
			return fmt.Errorf("failed to initialize services: %w", err)
		}
		defer a.Close()
		a.sweeper.Start()

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("failed to get available port: %w", err)
		}
		baseURL = fmt.Sprintf("http://%s", listener.Addr().String())

		httpServer := &http.Server{Handler: a.router(baseURL)}
		go func() {
			if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Internal HTTP server error: %v", err)
			}
		}()
		defer httpServer.Close()

		log.Printf("Internal HTTP server on %s", baseURL)
	}

	mcpClient := mcp.NewClient(baseURL)
	log.Println("MCP stdio server ready")

	if err := server.ServeStdio(mcpClient.GetMCPServer()); err != nil {
		return fmt.Errorf("MCP stdio server error: %w", err)
	}
	return nil
}
