package authfetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
)

// pendingRequest is a request that received 401 while a refresh was in flight.
type pendingRequest struct {
	ctx  context.Context
	path string
	opts Options
	done chan result
}

type result struct {
	resp *Response
	err  error
}

// coordinator holds the single-flight refresh state of one Client.
type coordinator struct {
	mu         sync.Mutex
	refreshing bool
	queue      []*pendingRequest
}

// settle clears the refreshing flag and hands back the queued requests.
func (co *coordinator) settle() []*pendingRequest {
	co.mu.Lock()
	defer co.mu.Unlock()

	co.refreshing = false
	waiters := co.queue
	co.queue = nil
	return waiters
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// recover handles a 401 for p, which was sent with usedAccess.
func (c *Client) recover(
	ctx context.Context,
	p *pendingRequest,
	usedAccess, refreshToken string,
) (*Response, error) {
	co := c.coord

	// The check-and-set below must not be split by any I/O.
	co.mu.Lock()
	if co.refreshing {
		p.done = make(chan result, 1)
		co.queue = append(co.queue, p)
		co.mu.Unlock()

		c.observer.Queued(c.URL(p.path))
		select {
		case r := <-p.done:
			return r.resp, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	co.refreshing = true
	co.mu.Unlock()

	// Queued requests share this exchange; it outlives the triggering caller.
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
	defer cancel()

	stored, storedRefresh, err := c.reload(refreshCtx)
	if err != nil {
		return nil, c.fail(refreshCtx, err)
	}
	if stored != "" && stored != usedAccess {
		// The store moved on after this request was sent: a refresh settled
		// or another process logged in.
		waiters := co.settle()
		c.logger.V(1).Info("Replaying with stored access token", "queued", len(waiters))
		c.drain(waiters, stored, nil)
		return c.replayUnlessDone(ctx, p, stored)
	}
	if storedRefresh != "" {
		refreshToken = storedRefresh
	}

	c.observer.Refreshing()
	token, err := c.exchange(refreshCtx, refreshToken)
	if err != nil {
		return nil, c.fail(refreshCtx, err)
	}

	c.persist(refreshCtx, token)
	waiters := co.settle()
	c.observer.RefreshOK()
	c.logger.Info("Access token refreshed", "queued", len(waiters))

	c.drain(waiters, token.AccessToken, nil)
	return c.replayUnlessDone(ctx, p, token.AccessToken)
}

// reload reads the current credential pair while this client holds the
// refresh slot.
func (c *Client) reload(ctx context.Context) (access, refresh string, err error) {
	if access, err = c.get(ctx, KeyAccessToken); err != nil {
		return "", "", err
	}
	if refresh, err = c.get(ctx, KeyRefreshToken); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// replayUnlessDone replays p unless the caller gave up during the refresh.
func (c *Client) replayUnlessDone(ctx context.Context, p *pendingRequest, accessToken string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.replay(ctx, p, accessToken)
}

// fail settles a failed exchange. A session expiry clears the credentials and
// notifies the sink once; a transport failure leaves the credentials alone.
func (c *Client) fail(ctx context.Context, err error) error {
	c.observer.RefreshFailed(err)

	if !errors.Is(err, ErrSessionExpired) {
		c.logger.Error(err, "Refresh exchange failed, keeping credentials")
		c.drain(c.coord.settle(), "", err)
		return err
	}

	c.logger.Error(err, "Refresh rejected, invalidating session")
	c.clear(ctx)
	c.drain(c.coord.settle(), "", err)
	c.sink.SessionExpired()
	return err
}

// drain completes the queued requests in FIFO order. With cause set every
// waiter is rejected without a network call; otherwise each is replayed with
// accessToken and receives its own result.
func (c *Client) drain(waiters []*pendingRequest, accessToken string, cause error) {
	for _, w := range waiters {
		if cause != nil {
			w.done <- result{err: cause}
			continue
		}
		if err := w.ctx.Err(); err != nil {
			w.done <- result{err: err}
			continue
		}
		resp, err := c.replay(w.ctx, w, accessToken)
		w.done <- result{resp: resp, err: err}
	}
}

// exchange trades refreshToken for a new credential pair. Rejections and
// malformed answers are reported as *SessionExpiredError; transport failures
// are returned unchanged.
func (c *Client) exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh request: %w", err)
	}

	req := &Request{
		Method: http.MethodPost,
		URL:    c.URL(c.refreshPath),
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	}
	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	if !resp.OK() {
		return nil, &SessionExpiredError{
			Reason: "refresh rejected",
			Cause: &oauth2.RetrieveError{
				Response: &http.Response{
					StatusCode: resp.StatusCode,
					Status:     fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
					Header:     resp.Header,
				},
				Body: resp.Body,
			},
		}
	}

	var tokenResp refreshResponse
	if err := resp.DecodeJSON(&tokenResp); err != nil {
		return nil, &SessionExpiredError{Reason: "invalid refresh response", Cause: err}
	}
	if tokenResp.AccessToken == "" {
		return nil, &SessionExpiredError{Reason: "refresh response has no accessToken"}
	}

	// Servers without rotation don't return a new refresh token.
	newRefreshToken := tokenResp.RefreshToken
	if newRefreshToken == "" {
		newRefreshToken = refreshToken
	}

	token := &oauth2.Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: newRefreshToken,
		TokenType:    "Bearer",
	}
	if claims, err := ParseClaims(token.AccessToken); err == nil {
		token.Expiry = claims.ExpiresAt
	}
	return token, nil
}

// persist writes the refreshed pair. A failed write is logged and the
// in-memory token is still used for the pending replays.
func (c *Client) persist(ctx context.Context, token *oauth2.Token) {
	ctx = context.WithoutCancel(ctx)
	if err := c.store.Set(ctx, KeyAccessToken, token.AccessToken); err != nil {
		c.logger.Error(&StoreError{Op: "set", Key: KeyAccessToken, Err: err}, "Failed to save tokens")
	}
	if err := c.store.Set(ctx, KeyRefreshToken, token.RefreshToken); err != nil {
		c.logger.Error(&StoreError{Op: "set", Key: KeyRefreshToken, Err: err}, "Failed to save tokens")
	}
}
