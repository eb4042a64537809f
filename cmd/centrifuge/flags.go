package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath string
	Address    string
	Port       int

	Name      string
	APISecret string
	Insecure  bool

	Engine        string
	RedisAddress  string
	RedisPassword string
	RedisDB       int

	GraphiteHost   string
	GraphitePort   int
	GraphitePrefix string

	LogLevel  string
	LogFormat string

	ShowVersion bool
	ShowHelp    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("CENTRIFUGE_CONFIG", "config.json"),
		"Path to the projects configuration file, JSON or YAML (env: CENTRIFUGE_CONFIG)")

	flag.StringVar(&cfg.Address, "address",
		getEnv("CENTRIFUGE_ADDRESS", ""),
		"Address to bind to (env: CENTRIFUGE_ADDRESS)")

	flag.IntVar(&cfg.Port, "port",
		getEnvInt("CENTRIFUGE_PORT", 8000),
		"Port to listen on (env: CENTRIFUGE_PORT)")

	flag.StringVar(&cfg.Name, "name",
		getEnv("CENTRIFUGE_NAME", ""),
		"Node name shown to peers, defaults to hostname (env: CENTRIFUGE_NAME)")

	flag.StringVar(&cfg.APISecret, "api-secret",
		getEnv("CENTRIFUGE_API_SECRET", ""),
		"Secret signing owner API requests (env: CENTRIFUGE_API_SECRET)")

	flag.BoolVar(&cfg.Insecure, "insecure",
		getEnvBool("CENTRIFUGE_INSECURE", false),
		"Admit connections without token checks, demo only (env: CENTRIFUGE_INSECURE)")

	flag.StringVar(&cfg.Engine, "engine",
		getEnv("CENTRIFUGE_ENGINE", "memory"),
		"Engine to use: memory, redis (env: CENTRIFUGE_ENGINE)")

	flag.StringVar(&cfg.RedisAddress, "redis-address",
		getEnv("CENTRIFUGE_REDIS_ADDRESS", "localhost:6379"),
		"Redis address for the redis engine (env: CENTRIFUGE_REDIS_ADDRESS)")

	flag.StringVar(&cfg.RedisPassword, "redis-password",
		getEnv("CENTRIFUGE_REDIS_PASSWORD", ""),
		"Redis password (env: CENTRIFUGE_REDIS_PASSWORD)")

	flag.IntVar(&cfg.RedisDB, "redis-db",
		getEnvInt("CENTRIFUGE_REDIS_DB", 0),
		"Redis logical database (env: CENTRIFUGE_REDIS_DB)")

	flag.StringVar(&cfg.GraphiteHost, "graphite-host",
		getEnv("CENTRIFUGE_GRAPHITE_HOST", ""),
		"UDP metrics sink host, empty to disable (env: CENTRIFUGE_GRAPHITE_HOST)")

	flag.IntVar(&cfg.GraphitePort, "graphite-port",
		getEnvInt("CENTRIFUGE_GRAPHITE_PORT", 2003),
		"UDP metrics sink port (env: CENTRIFUGE_GRAPHITE_PORT)")

	flag.StringVar(&cfg.GraphitePrefix, "graphite-prefix",
		getEnv("CENTRIFUGE_GRAPHITE_PREFIX", "centrifuge"),
		"Metrics key prefix (env: CENTRIFUGE_GRAPHITE_PREFIX)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("CENTRIFUGE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: CENTRIFUGE_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("CENTRIFUGE_LOG_FORMAT", "json"),
		"Log format: json, text (env: CENTRIFUGE_LOG_FORMAT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Print version and exit")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Print usage and exit")

	flag.Parse()
	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	switch cfg.Engine {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown engine %q", cfg.Engine)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	return nil
}

func printHelp() {
	fmt.Printf("%s - real-time message broker node\n\n", appName)
	flag.PrintDefaults()
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
