// Package config loads the driver's deployment configuration from the
// environment, following a flag-for-process/env-for-deployment split:
// everything that varies across installs is an env var with a sane
// default, not a flag.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robodone/printer-driver-core/internal/protocol"
	"github.com/robodone/printer-driver-core/internal/queue"
)

// Config is the fully-resolved set of knobs the CLI boot needs to wire
// every component.
type Config struct {
	SerialPort     string
	SerialBaudRate int

	DriverID       string
	DriverLocation string

	NSQDTCPAddr        string
	NSQLookupdHTTPAddr string

	MaxCommandsInRAM  int
	PagingBufferSize  int
	QueueDiskDir      string

	ProtocolResponseTimeout time.Duration
	ProtocolMaxRetries      int
	TempMaxAge              time.Duration

	MetricsAddr string
	LogDir      string
}

// Load reads every knob from the environment, falling back to the
// defaults below when a variable is unset or unparsable.
func Load() (Config, error) {
	cfg := Config{
		SerialPort:              os.Getenv("SERIAL_PORT"),
		SerialBaudRate:          envInt("SERIAL_BAUDRATE", 115200),
		DriverID:                os.Getenv("DRIVER_ID"),
		DriverLocation:          os.Getenv("DRIVER_LOCATION"),
		NSQDTCPAddr:             envString("NSQD_TCP_ADDR", "127.0.0.1:4150"),
		NSQLookupdHTTPAddr:      os.Getenv("NSQLOOKUPD_HTTP_ADDR"),
		MaxCommandsInRAM:        envInt("MAX_COMMANDS_IN_RAM", queue.DefaultMaxInRAM),
		PagingBufferSize:        envInt("PAGING_BUFFER_SIZE", queue.DefaultPagingBufferSize),
		QueueDiskDir:            envString("QUEUE_DISK_DIR", "queue-spill"),
		ProtocolResponseTimeout: envDuration("PROTOCOL_RESPONSE_TIMEOUT_MS", protocol.DefaultResponseTimeout),
		ProtocolMaxRetries:      envInt("PROTOCOL_MAX_RETRIES", protocol.DefaultMaxAttempts),
		TempMaxAge:              envDuration("TEMP_MAX_AGE_MS", 3000*time.Millisecond),
		MetricsAddr:             envString("METRICS_ADDR", ":9090"),
		LogDir:                  envString("LOG_DIR", "logs"),
	}
	if cfg.DriverID == "" {
		return cfg, fmt.Errorf("config: DRIVER_ID is required")
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envDuration reads key as a millisecond count.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
