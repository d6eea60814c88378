// Package storage provides the durable blob store behind the channel registry.
//
// A Store holds opaque blobs addressed by a single key inside a configured
// container, plus an append-only audit journal of lifecycle actions.
//
// Drivers:
//   - file:   one file per key inside a directory, written via temp file + rename
//   - sqlite: a blobs table in a SQLite database (modernc.org/sqlite, no cgo)
//   - redis:  string keys namespaced as <container>:<key>
//   - memory: process-local map (tests, throwaway runs)
package storage
