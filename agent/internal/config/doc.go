// Package config loads and watches the agent configuration file (config.yaml).
//
// Top-level types:
//   - Config{Agent}: full config tree parsed from YAML
//   - AgentConfig: api_url, device_id, request/heartbeat/capture timing,
//     replay tuning, queue_path, log_level, metrics_addr, health_addr,
//     activity_command, capture_command, tls, auth
//   - AuthConfig: mode (env|file), token_env, token_file, identity_file;
//     Token() resolves from the environment, Provider() builds the
//     credential source for the transport
//
// Load(path) reads the YAML file, applies defaults (30s request timeout,
// 60s heartbeat and capture, 30s upload rate limit, replay batch 5), lets
// PHOENIX_API_URL and PHOENIX_DEVICE_ID override the file, then validates.
// api_url must be https and capture_interval at least 10s.
//
// Watch(ctx, path, onChange) uses fsnotify on the file's directory and calls
// onChange with the newly parsed Config. Only log_level and scheduler timing
// are applied live; the rest needs a restart.
package config
