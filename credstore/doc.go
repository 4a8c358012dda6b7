// Package credstore provides persisted credential stores for the authfetch
// client: a JSON file shared between processes on one host, Redis for
// sessions shared across hosts, and an in-memory map.
package credstore
