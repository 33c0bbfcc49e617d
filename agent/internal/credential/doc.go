// Package credential supplies the bearer token the transport attaches to
// every request.
//
// Provider is the only interface the delivery path depends on:
// Token() returns the current token and whether one is available.
//
//   - EnvProvider reads the token from an environment variable on every
//     call, so rotating the variable (and restarting) is the whole of
//     token management.
//   - FileStore keeps the token in an age-encrypted file. The X25519
//     identity used to decrypt it lives in a separate 0600 file that is
//     generated on first Store. Token() decrypts on every call so a token
//     replaced by `agent token setup` is picked up without a restart.
//
// Mask renders a token safe for display (first and last four characters).
package credential
