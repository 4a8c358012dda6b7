package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/go-logr/logr"
	"github.com/joho/godotenv"

	tea "charm.land/bubbletea/v2"
	"github.com/go-authgate/fleetctl/authfetch"
	"github.com/go-authgate/fleetctl/tui"
)

var (
	serverURL      string
	storeKind      string
	tokenFile      string
	profile        string
	redisAddr      string
	redisPrefix    string
	nonOKPolicy    authfetch.NonOKPolicy
	loginPath      string
	refreshPath    string
	requestTimeout time.Duration

	flagConfig         *string
	flagServerURL      *string
	flagStore          *string
	flagTokenFile      *string
	flagProfile        *string
	flagRedisAddr      *string
	flagRedisPrefix    *string
	flagNonOKPolicy    *string
	flagLoginPath      *string
	flagRefreshPath    *string
	flagRequestTimeout *string

	configInitialized bool
	httpTransport     *authfetch.HTTPTransport
)

const loginTimeout = 10 * time.Second

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flagConfig = flag.String("config", "", "YAML config file (default: fleetctl.yaml or FLEET_CONFIG env)")
	flagServerURL = flag.String(
		"server-url",
		"",
		"Fleet API base URL (default: http://localhost:8080 or SERVER_URL env)",
	)
	flagStore = flag.String(
		"store",
		"",
		"Credential store: file or redis; memory keeps nothing after exit and is for tests (default: file or FLEET_STORE env)",
	)
	flagTokenFile = flag.String(
		"token-file",
		"",
		"Token storage file (default: .fleetctl-tokens.json or TOKEN_FILE env)",
	)
	flagProfile = flag.String("profile", "", "Credential profile (default: default or FLEET_PROFILE env)")
	flagRedisAddr = flag.String("redis-addr", "", "Redis address for -store=redis (default: localhost:6379 or REDIS_ADDR env)")
	flagRedisPrefix = flag.String("redis-prefix", "", "Redis key prefix (default: fleetctl:<profile> or REDIS_PREFIX env)")
	flagNonOKPolicy = flag.String(
		"non-ok-policy",
		"",
		"Handling of non-401 errors: passthrough or clear-and-throw (default: passthrough or NON_OK_POLICY env)",
	)
	flagLoginPath = flag.String("login-path", "", "Login endpoint (default: /login or LOGIN_PATH env)")
	flagRefreshPath = flag.String("refresh-path", "", "Refresh endpoint (default: /refresh or REFRESH_PATH env)")
	flagRequestTimeout = flag.String("timeout", "", "Request timeout (default: 30s or REQUEST_TIMEOUT env)")

	flag.Usage = usage
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "Usage: fleetctl [flags] <command> [args]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  login EMAIL [PASSWORD]      sign in and store the credential pair")
	fmt.Fprintln(out, "  logout                      remove stored credentials")
	fmt.Fprintln(out, "  status                      show stored session")
	fmt.Fprintln(out, "  get|delete PATH             authenticated request")
	fmt.Fprintln(out, "  post|put|patch PATH [BODY]  authenticated request, BODY '-' reads stdin")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Stores:")
	fmt.Fprintln(out, "  file    JSON token file, shared by processes on this host (default)")
	fmt.Fprintln(out, "  redis   shared across hosts")
	fmt.Fprintln(out, "  memory  tests only: tokens are lost when fleetctl exits, so login does not persist")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Flags:")
	flag.PrintDefaults()
}

// initConfig parses flags and initializes configuration
// Separated from init() to avoid conflicts with test flag parsing
func initConfig() {
	if configInitialized {
		return
	}
	configInitialized = true

	flag.Parse()

	if err := resolveConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(serverURL), "http://") {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}

	// Initialize HTTP client with retry support
	baseHTTPClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	retryClient, err := retry.NewBackgroundClient(
		retry.WithHTTPClient(baseHTTPClient),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create retry client: %v", err))
	}
	httpTransport = authfetch.NewHTTPTransport(retryClient)
}

// resolveConfig fills the configuration globals from flags, environment,
// config file and defaults, in that order.
func resolveConfig() error {
	fc, err := loadFileConfig(getConfig(*flagConfig, "FLEET_CONFIG", "", "fleetctl.yaml"))
	if err != nil {
		return err
	}

	serverURL = getConfig(*flagServerURL, "SERVER_URL", fc.ServerURL, "http://localhost:8080")
	storeKind = getConfig(*flagStore, "FLEET_STORE", fc.Store, storeFile)
	tokenFile = getConfig(*flagTokenFile, "TOKEN_FILE", fc.TokenFile, ".fleetctl-tokens.json")
	profile = getConfig(*flagProfile, "FLEET_PROFILE", fc.Profile, "default")
	redisAddr = getConfig(*flagRedisAddr, "REDIS_ADDR", fc.RedisAddr, "localhost:6379")
	redisPrefix = getConfig(*flagRedisPrefix, "REDIS_PREFIX", fc.RedisPrefix, "")
	loginPath = getConfig(*flagLoginPath, "LOGIN_PATH", fc.LoginPath, "/login")
	refreshPath = getConfig(*flagRefreshPath, "REFRESH_PATH", fc.RefreshPath, "/refresh")

	if err := validateServerURL(serverURL); err != nil {
		return fmt.Errorf("invalid SERVER_URL: %w", err)
	}

	nonOKPolicy, err = authfetch.ParseNonOKPolicy(
		getConfig(*flagNonOKPolicy, "NON_OK_POLICY", fc.NonOKPolicy, string(authfetch.Passthrough)),
	)
	if err != nil {
		return err
	}

	requestTimeout, err = parseTimeout(getConfig(*flagRequestTimeout, "REQUEST_TIMEOUT", fc.RequestTimeout, "30s"))
	if err != nil {
		return err
	}

	switch storeKind {
	case storeFile, storeRedis, storeMemory:
	default:
		return fmt.Errorf("unknown store %q (want file, redis or memory)", storeKind)
	}
	return nil
}

// newClient wires the displayer into the client as observer and session sink.
func newClient(
	store authfetch.CredentialStore,
	tr authfetch.Transport,
	d tui.Displayer,
	logger logr.Logger,
) (*authfetch.Client, error) {
	return authfetch.New(serverURL, store,
		authfetch.WithTransport(tr),
		authfetch.WithObserver(d),
		authfetch.WithSessionSink(d),
		authfetch.WithLogger(logger.WithName("authfetch")),
		authfetch.WithNonOKPolicy(nonOKPolicy),
		authfetch.WithRefreshPath(refreshPath),
	)
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	initConfig()

	cmd, err := parseCommand(flag.Args(), os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}

	tty := isTTY()
	logger, syncLogs, err := newLogger(tty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer syncLogs()

	if tty {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()
		runErr := run(d, cmd, logger)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			syncLogs()
			os.Exit(1)
		}
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		if err := run(d, cmd, logger); err != nil {
			syncLogs()
			os.Exit(1)
		}
	}
}

func run(d tui.Displayer, cmd *command, logger logr.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, location, closeStore, err := newStore(logger)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error(err, "Failed to close credential store")
		}
	}()

	client, err := newClient(store, httpTransport, d, logger)
	if err != nil {
		d.Fatal(err)
		return err
	}

	a := &app{
		client:    client,
		store:     store,
		transport: httpTransport,
		location:  location,
		d:         d,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
	}
	if err := a.execute(ctx, cmd); err != nil {
		logger.V(1).Info("Command failed", "command", cmd.name, "error", err.Error())
		d.Fatal(err)
		return err
	}
	return nil
}
