package main

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/go-authgate/fleetctl/authfetch"
	"github.com/go-authgate/fleetctl/credstore"
)

// Credential store backends selectable with -store.
const (
	storeFile   = "file"
	storeRedis  = "redis"
	storeMemory = "memory"
)

// newStore builds the configured credential store. The returned location is
// shown to the user after login.
func newStore(logger logr.Logger) (authfetch.CredentialStore, string, func() error, error) {
	noop := func() error { return nil }

	switch storeKind {
	case storeFile, "":
		f := credstore.NewFile(tokenFile, profile, logger.WithName("credstore"))
		return f, f.Path(), noop, nil

	case storeRedis:
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		prefix := redisPrefix
		if prefix == "" {
			prefix = "fleetctl:" + profile
		}
		return credstore.NewRedis(rdb, prefix), fmt.Sprintf("redis://%s (%s)", redisAddr, prefix), rdb.Close, nil

	case storeMemory:
		return credstore.NewMemory(), "memory", noop, nil

	default:
		return nil, "", nil, fmt.Errorf("unknown store %q (want file, redis or memory)", storeKind)
	}
}
