package tui

import "time"

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgTokensFound signals that stored credentials were found.
type MsgTokensFound struct {
	Subject   string
	ExpiresIn time.Duration
}

// MsgTokenExpired signals that the stored access token is past its expiry.
type MsgTokenExpired struct{}

// MsgTokensNotFound signals that no credentials are stored.
type MsgTokensNotFound struct{}

// MsgRequesting signals that a request is being sent.
type MsgRequesting struct {
	Method string
	URL    string
}

// MsgAccessTokenRejected signals that the access token was rejected (401).
type MsgAccessTokenRejected struct{ URL string }

// MsgRefreshing signals that a refresh exchange is in flight.
type MsgRefreshing struct{}

// MsgRefreshOK signals that new credentials were obtained.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that the refresh exchange failed.
type MsgRefreshFailed struct{ Err error }

// MsgQueued signals that a request is waiting for an in-flight refresh.
type MsgQueued struct{ URL string }

// MsgReplaying signals that a request is re-sent with the new access token.
type MsgReplaying struct{ URL string }

// MsgSessionExpired signals that the session was invalidated.
type MsgSessionExpired struct{}

// MsgLoggedIn signals that credentials were stored after login.
type MsgLoggedIn struct{ Location string }

// MsgLoggedOut signals that credentials were removed.
type MsgLoggedOut struct{}

// MsgDone signals that the command finished.
type MsgDone struct {
	StatusCode int
	Summary    string
}

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
