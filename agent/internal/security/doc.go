// Package security inspects the TLS certificate of the ingestion service.
// The agent logs a warning at startup when the certificate is close to
// expiry, and the check subcommand prints the full CertStatus.
package security
