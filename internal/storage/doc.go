// Package storage persists monitors, listing snapshots and wizard sessions.
//
// Three drivers share one Store contract:
//   - "sqlite": single-file database (default)
//   - "mongo": the document store layout (collections monitors, monitor_properties, sessions)
//   - "postgres": server database via pgx
//
// Every driver enforces at most one snapshot per (chat_id, listing id).
package storage
