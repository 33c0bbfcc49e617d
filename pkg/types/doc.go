// Package types defines the event types shared by the agent's queue,
// transport and delivery packages. These are the canonical in-memory
// representations of telemetry events, separate from the JSON/multipart
// wire format and from the CBOR storage encoding.
package types
