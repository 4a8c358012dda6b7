package authfetch

import "context"

// Keys the client reads and writes in the credential store.
const (
	KeyAccessToken  = "token"
	KeyRefreshToken = "refreshToken"
)

// CredentialStore is a persisted key-value store for the credential pair.
// Get reports ok=false when the key is absent.
type CredentialStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// SessionSink is notified once per failed refresh cycle, typically to send
// the user back to a login prompt.
type SessionSink interface {
	SessionExpired()
}

// SessionSinkFunc adapts a function to the SessionSink interface.
type SessionSinkFunc func()

func (f SessionSinkFunc) SessionExpired() { f() }

// Observer receives progress events from the refresh protocol.
type Observer interface {
	AccessTokenRejected(url string)
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	Queued(url string)
	Replaying(url string)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) AccessTokenRejected(string) {}
func (NopObserver) Refreshing()                {}
func (NopObserver) RefreshOK()                 {}
func (NopObserver) RefreshFailed(error)        {}
func (NopObserver) Queued(string)              {}
func (NopObserver) Replaying(string)           {}

type nopSink struct{}

func (nopSink) SessionExpired() {}
