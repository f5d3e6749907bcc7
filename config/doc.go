// Package config handles loading and parsing of configuration from YAML files
// and environment variables. It defines the application configuration structure
// including server settings, collector endpoint, breaker, retry, queue,
// storage, tracker and ingest tuning.
package config
