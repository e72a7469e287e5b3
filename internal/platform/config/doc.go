// Package config provides environment-based configuration.
//
// Loads an optional .env file (godotenv), maps variables onto Config via go-simpler/env struct tags,
// and validates the listener address, payload source selection, timing knobs and connection limits.
package config
