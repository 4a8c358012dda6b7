package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-authgate/fleetctl/authfetch"
	"github.com/go-authgate/fleetctl/tui"
)

// command is a parsed fleetctl invocation.
type command struct {
	name     string
	method   string
	path     string
	body     []byte
	email    string
	password string
}

// errHTTPStatus marks a request that completed with a non-2xx status.
var errHTTPStatus = errors.New("request failed")

var requestMethods = map[string]string{
	"get":    http.MethodGet,
	"delete": http.MethodDelete,
	"post":   http.MethodPost,
	"put":    http.MethodPut,
	"patch":  http.MethodPatch,
}

// parseCommand turns the positional arguments into a command. A body of "-"
// is read from stdin.
func parseCommand(args []string, stdin io.Reader) (*command, error) {
	if len(args) == 0 {
		return nil, errors.New("missing command")
	}

	name := strings.ToLower(args[0])
	rest := args[1:]

	switch name {
	case "login":
		if len(rest) < 1 || len(rest) > 2 {
			return nil, errors.New("usage: login EMAIL [PASSWORD]")
		}
		cmd := &command{name: name, email: rest[0], password: getEnv("FLEET_PASSWORD", "")}
		if len(rest) == 2 {
			cmd.password = rest[1]
		}
		if cmd.password == "" {
			return nil, errors.New("password required (argument or FLEET_PASSWORD)")
		}
		return cmd, nil

	case "logout", "status":
		if len(rest) != 0 {
			return nil, fmt.Errorf("usage: %s", name)
		}
		return &command{name: name}, nil
	}

	method, ok := requestMethods[name]
	if !ok {
		return nil, fmt.Errorf("unknown command %q", args[0])
	}

	switch method {
	case http.MethodGet, http.MethodDelete:
		if len(rest) != 1 {
			return nil, fmt.Errorf("usage: %s PATH", name)
		}
		return &command{name: name, method: method, path: rest[0]}, nil
	default:
		if len(rest) < 1 || len(rest) > 2 {
			return nil, fmt.Errorf("usage: %s PATH [BODY|-]", name)
		}
		cmd := &command{name: name, method: method, path: rest[0]}
		if len(rest) == 2 {
			body, err := readBody(rest[1], stdin)
			if err != nil {
				return nil, err
			}
			cmd.body = body
		}
		return cmd, nil
	}
}

func readBody(arg string, stdin io.Reader) ([]byte, error) {
	if arg != "-" {
		return []byte(arg), nil
	}
	body, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read body from stdin: %w", err)
	}
	return body, nil
}

// app bundles what a command needs to run.
type app struct {
	client    *authfetch.Client
	store     authfetch.CredentialStore
	transport authfetch.Transport
	location  string
	d         tui.Displayer
	stdout    io.Writer
	stderr    io.Writer
}

func (a *app) execute(ctx context.Context, cmd *command) error {
	switch cmd.name {
	case "login":
		return a.login(ctx, cmd)
	case "logout":
		return a.logout(ctx)
	case "status":
		return a.status(ctx)
	default:
		return a.request(ctx, cmd)
	}
}

func (a *app) login(ctx context.Context, cmd *command) error {
	loginURL := a.client.URL(loginPath)
	a.d.Requesting(http.MethodPost, loginURL)

	token, err := login(ctx, a.transport, loginURL, cmd.email, cmd.password)
	if err != nil {
		return err
	}
	if err := saveTokens(ctx, a.store, token); err != nil {
		return err
	}
	a.d.LoggedIn(a.location)
	if storeKind == storeMemory {
		fmt.Fprintln(a.stderr, "Warning: -store=memory keeps no tokens after exit; use file or redis to stay logged in.")
	}

	summary := "Logged in as " + cmd.email
	if !token.Expiry.IsZero() {
		summary += fmt.Sprintf(", access token expires %s", token.Expiry.Local().Format(time.RFC3339))
	}
	a.d.Done(0, summary)
	return nil
}

func (a *app) logout(ctx context.Context) error {
	if err := a.client.Logout(ctx); err != nil {
		return err
	}
	a.d.LoggedOut()
	a.d.Done(0, "Logged out")
	return nil
}

func (a *app) status(ctx context.Context) error {
	access, _, err := a.store.Get(ctx, authfetch.KeyAccessToken)
	if err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}
	refresh, _, err := a.store.Get(ctx, authfetch.KeyRefreshToken)
	if err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}

	if access == "" && refresh == "" {
		a.d.TokensNotFound()
		fmt.Fprintln(a.stdout, "Not logged in")
		a.d.Done(0, "Not logged in")
		return nil
	}

	fmt.Fprintf(a.stdout, "Store:         %s\n", a.location)
	fmt.Fprintf(a.stdout, "Refresh token: %t\n", refresh != "")

	claims, err := authfetch.ParseClaims(access)
	if err != nil {
		// Opaque token; expiry is unknown until the server rejects it.
		a.d.TokensFound("", 0)
		fmt.Fprintln(a.stdout, "Access token:  opaque")
		a.d.Done(0, "Logged in")
		return nil
	}

	now := time.Now()
	var expiresIn time.Duration
	if !claims.ExpiresAt.IsZero() {
		expiresIn = claims.ExpiresAt.Sub(now)
	}
	a.d.TokensFound(claims.Subject, max(expiresIn, 0))
	if claims.Expired(now) {
		a.d.TokenExpired()
	}

	if claims.Subject != "" {
		fmt.Fprintf(a.stdout, "Subject:       %s\n", claims.Subject)
	}
	if claims.Issuer != "" {
		fmt.Fprintf(a.stdout, "Issuer:        %s\n", claims.Issuer)
	}
	if !claims.ExpiresAt.IsZero() {
		fmt.Fprintf(a.stdout, "Expires:       %s\n", claims.ExpiresAt.Local().Format(time.RFC3339))
	}
	fmt.Fprintf(a.stdout, "Expired:       %t\n", claims.Expired(now))

	a.d.Done(0, "Logged in")
	return nil
}

func (a *app) request(ctx context.Context, cmd *command) error {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	a.d.Requesting(cmd.method, a.client.URL(cmd.path))
	resp, err := a.client.Do(reqCtx, cmd.path, authfetch.Options{
		Method: cmd.method,
		Body:   cmd.body,
	})
	if err != nil {
		if errors.Is(err, authfetch.ErrSessionExpired) {
			return fmt.Errorf("%w; run 'fleetctl login EMAIL' to sign in again", err)
		}
		return err
	}

	if _, err := a.stdout.Write(resp.Body); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
		fmt.Fprintln(a.stdout)
	}

	a.d.Done(resp.StatusCode, fmt.Sprintf("%s (%d bytes)", http.StatusText(resp.StatusCode), len(resp.Body)))
	if !resp.OK() {
		return fmt.Errorf("%w: HTTP %d", errHTTPStatus, resp.StatusCode)
	}
	return nil
}
