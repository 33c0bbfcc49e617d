// Package queue is the agent's durable retry store: a crash-safe FIFO of
// events the remote service has not yet acknowledged.
//
// The store is a single SQLite table (pending_uploads) opened through
// zombiezen.com/go/sqlite with WAL journaling and synchronous=FULL, so a
// committed Enqueue survives both process and OS crashes. Every mutation
// is one statement inside an IMMEDIATE transaction; a crash mid-write
// rolls back cleanly and never leaves a torn record. busy_timeout lets a
// second process on the same file (e.g. `agent queue stats` while the
// agent runs) wait for the writer lock instead of failing.
//
// Operations:
//   - Enqueue appends an event and returns the store-assigned id.
//     AUTOINCREMENT guarantees ids are strictly increasing and never reused.
//   - DequeueBatch reads up to N oldest events in ascending id order
//     without removing them.
//   - Remove deletes one event by id; removing a missing id is a no-op.
//   - Clear deletes everything.
//   - Stats reports the event count and approximate database size.
//
// Payloads are encoded with deterministic CBOR, so what DequeueBatch
// returns is byte-for-byte what Enqueue stored. A row whose payload
// cannot be decoded is logged and skipped; the rest of the batch is
// still returned.
//
// Every storage failure is returned as *StorageError.
package queue
