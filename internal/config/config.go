// Package config provides configuration for the server binary using
// command-line flags, environment variables and an optional JSON file.
package config

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"
)

// Options holds the configuration values for the server.
type Options struct {
	// Addr defines the server's listening address (ip:port).
	Addr string

	// DatabaseDSN holds the PostgreSQL connection string. Empty means the
	// in-memory repository (development mode).
	DatabaseDSN string

	// Ballpark is how far client timestamps may drift from the server
	// clock before writes are refused.
	Ballpark time.Duration

	// Bootstrap is the path to a bootstrap bundle to inject at startup.
	Bootstrap string

	// LogLevel sets the logging verbosity.
	LogLevel string

	// Config is the path to the config file.
	Config string
}

var options = &Options{}

func init() {
	flag.StringVar(&options.Addr, "a", "localhost:8080", "run on ip:port server")
	flag.StringVar(&options.DatabaseDSN, "d", "", "postgres dsn (empty: in-memory)")
	flag.DurationVar(&options.Ballpark, "ballpark", 5*time.Minute, "allowed client clock drift")
	flag.StringVar(&options.Bootstrap, "bootstrap", "", "path to bootstrap bundle")
	flag.StringVar(&options.LogLevel, "log-level", "info", "log level")
	flag.StringVar(&options.Config, "config", "", "path to config file")
	flag.StringVar(&options.Config, "c", "", "path to config file (shorthand)")
}

// Parse parses command-line flags, the optional config file and environment
// variables, in increasing precedence order for the environment.
func Parse() *Options {
	flag.Parse()

	if configPath := os.Getenv("CONFIG"); configPath != "" {
		options.Config = configPath
	}

	if options.Config != "" {
		if _, err := os.Stat(options.Config); err == nil {
			data, err := os.ReadFile(options.Config)
			if err != nil {
				log.Fatalf("error while reading config file: %v", err)
			}
			if err := json.Unmarshal(data, options); err != nil {
				log.Fatalf("error while parsing config file: %v", err)
			}
		}
	}

	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		options.Addr = addr
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		options.DatabaseDSN = dsn
	}

	return options
}
