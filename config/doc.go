// Package config handles loading and parsing of configuration from YAML files,
// environment variables and command-line flags. It defines the proxy's
// listening side, the single upstream target, failure handling and logging.
package config
