// Package authfetch implements an HTTP client wrapper that attaches bearer
// tokens from a credential store and recovers from an expired access token by
// exchanging the refresh token once, then replaying the rejected request.
//
// Requests that are rejected with 401 while an exchange is already in flight
// are queued and replayed by the coordinator once the exchange settles, so at
// most one refresh is ever in flight per Client.
package authfetch
