package storage

// Package storage keeps the durable audit trail of outbound operations:
// every invite send, ad-hoc message and group cleanup gets a row, so
// what a session did survives its eviction from memory.
//
// Drivers:
//   - "file": append-only JSON Lines, dependency-free
//   - "sqlite": single-file database (modernc.org/sqlite, no cgo)
//   - "" / "none": disabled
