package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/fleetctl/authfetch"
)

// Displayer abstracts all progress output of a fleetctl command. It doubles
// as the client's refresh observer and session sink.
type Displayer interface {
	authfetch.Observer
	authfetch.SessionSink

	Banner()
	TokensFound(subject string, expiresIn time.Duration)
	TokenExpired()
	TokensNotFound()
	Requesting(method, url string)
	LoggedIn(location string)
	LoggedOut()
	Done(statusCode int, summary string)
	Fatal(err error)
}

var (
	_ Displayer = (*PlainDisplayer)(nil)
	_ Displayer = NoopDisplayer{}
	_ Displayer = (*ProgramDisplayer)(nil)
)

// PlainDisplayer writes plain text lines to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== fleetctl ===")
}

func (p *PlainDisplayer) TokensFound(subject string, expiresIn time.Duration) {
	switch {
	case subject != "" && expiresIn > 0:
		fmt.Fprintf(p.w, "Signed in as %s, access token expires in %s\n", subject, formatDuration(expiresIn))
	case subject != "":
		fmt.Fprintf(p.w, "Signed in as %s\n", subject)
	default:
		fmt.Fprintln(p.w, "Found stored credentials")
	}
}

func (p *PlainDisplayer) TokenExpired() {
	fmt.Fprintln(p.w, "Access token expired, it will be refreshed on first use")
}

func (p *PlainDisplayer) TokensNotFound() {
	fmt.Fprintln(p.w, "No stored credentials, run 'fleetctl login'")
}

func (p *PlainDisplayer) Requesting(method, url string) {
	fmt.Fprintf(p.w, "%s %s\n", method, url)
}

func (p *PlainDisplayer) AccessTokenRejected(string) {
	fmt.Fprintln(p.w, "Access token rejected (401), refreshing...")
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed successfully!")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) Queued(url string) {
	fmt.Fprintf(p.w, "Waiting for token refresh: %s\n", url)
}

func (p *PlainDisplayer) Replaying(url string) {
	fmt.Fprintf(p.w, "Retrying with new token: %s\n", url)
}

func (p *PlainDisplayer) SessionExpired() {
	fmt.Fprintln(p.w, "Session expired, please run 'fleetctl login' again")
}

func (p *PlainDisplayer) LoggedIn(location string) {
	fmt.Fprintf(p.w, "Logged in, tokens saved to %s\n", location)
}

func (p *PlainDisplayer) LoggedOut() {
	fmt.Fprintln(p.w, "Logged out")
}

func (p *PlainDisplayer) Done(statusCode int, summary string) {
	if statusCode > 0 {
		fmt.Fprintf(p.w, "HTTP %d %s\n", statusCode, summary)
		return
	}
	if summary != "" {
		fmt.Fprintln(p.w, summary)
	}
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct {
	authfetch.NopObserver
}

func (NoopDisplayer) SessionExpired()                      {}
func (NoopDisplayer) Banner()                              {}
func (NoopDisplayer) TokensFound(_ string, _ time.Duration) {}
func (NoopDisplayer) TokenExpired()                        {}
func (NoopDisplayer) TokensNotFound()                      {}
func (NoopDisplayer) Requesting(_, _ string)               {}
func (NoopDisplayer) LoggedIn(_ string)                    {}
func (NoopDisplayer) LoggedOut()                           {}
func (NoopDisplayer) Done(_ int, _ string)                 {}
func (NoopDisplayer) Fatal(_ error)                        {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) TokensFound(subject string, expiresIn time.Duration) {
	t.p.Send(MsgTokensFound{Subject: subject, ExpiresIn: expiresIn})
}

func (t *ProgramDisplayer) TokenExpired() {
	t.p.Send(MsgTokenExpired{})
}

func (t *ProgramDisplayer) TokensNotFound() {
	t.p.Send(MsgTokensNotFound{})
}

func (t *ProgramDisplayer) Requesting(method, url string) {
	t.p.Send(MsgRequesting{Method: method, URL: url})
}

func (t *ProgramDisplayer) AccessTokenRejected(url string) {
	t.p.Send(MsgAccessTokenRejected{URL: url})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) Queued(url string) {
	t.p.Send(MsgQueued{URL: url})
}

func (t *ProgramDisplayer) Replaying(url string) {
	t.p.Send(MsgReplaying{URL: url})
}

func (t *ProgramDisplayer) SessionExpired() {
	t.p.Send(MsgSessionExpired{})
}

func (t *ProgramDisplayer) LoggedIn(location string) {
	t.p.Send(MsgLoggedIn{Location: location})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) Done(statusCode int, summary string) {
	t.p.Send(MsgDone{StatusCode: statusCode, Summary: summary})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
