// Package config defines the YAML configuration for a jackpot-data server
// and its loading, defaulting, and validation helpers.
package config
