// Command gateway runs the probe gateway: the HTTP/SSE API and, optionally,
// a gRPC health endpoint.
//
// Usage:
//
//   gateway -config gateway.yaml -listen 127.0.0.1:8080 -health-listen 127.0.0.1:9090
//
// Flags:
//   -config          optional YAML or JSON configuration file
//   -listen          HTTP bind address (default from config, 127.0.0.1:8080)
//   -health-listen   gRPC health bind address (disabled when empty)
//   -shutdown-secs   graceful shutdown timeout in seconds (default from config, 5)
//
// Behavior:
//
// Loads configuration, connects the shared admission store when one is
// configured, starts the API server, and blocks on SIGINT/SIGTERM for
// graceful shutdown. If the shared store cannot be reached at startup the
// gateway still starts, in the degraded state, with admission served from
// the local fallback until the store answers again.
package main
