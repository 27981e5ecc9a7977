// Package store provides implementations of the session document store and
// appendable realtime signaling log: an in-memory store for tests and
// loopback use, and a durable single-node store on SQLite.
package store
