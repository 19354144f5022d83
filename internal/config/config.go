// Package config holds the flag-bound configuration for both the
// controller and worker binaries. The cobra/pflag binding itself lives
// in cmd/controller and cmd/worker; this package only holds the
// resulting values plus their cross-flag validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// BrokerConfig carries RabbitMQ connection parameters.
type BrokerConfig struct {
	Host     string
	Port     int
	User     string
	Pass     string
	PassFile string
	TLS      bool
}

// Password resolves the broker password, preferring PassFile over Pass
// when both are set.
func (b BrokerConfig) Password() (string, error) {
	return resolvePassword(b.Pass, b.PassFile)
}

// URL builds the amqp(s):// connection string.
func (b BrokerConfig) URL() (string, error) {
	pass, err := b.Password()
	if err != nil {
		return "", err
	}
	scheme := "amqp"
	if b.TLS {
		scheme = "amqps"
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/", scheme, url.QueryEscape(b.User), url.QueryEscape(pass), b.Host, b.Port), nil
}

// StoreConfig carries MongoDB connection parameters.
type StoreConfig struct {
	Host       string
	Port       int
	User       string
	Pass       string
	PassFile   string
	AuthSource string
}

// Password resolves the store password the same way BrokerConfig does.
func (s StoreConfig) Password() (string, error) {
	return resolvePassword(s.Pass, s.PassFile)
}

// URI builds the mongodb:// connection string.
func (s StoreConfig) URI() (string, error) {
	pass, err := s.Password()
	if err != nil {
		return "", err
	}
	authSource := s.AuthSource
	if authSource == "" {
		authSource = "admin"
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=%s", url.QueryEscape(s.User), url.QueryEscape(pass), s.Host, s.Port, authSource), nil
}

func resolvePassword(pass, passFile string) (string, error) {
	if passFile != "" {
		b, err := os.ReadFile(passFile)
		if err != nil {
			return "", fmt.Errorf("config: read password file %s: %w", passFile, err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return pass, nil
}

// LogConfig carries the ambient logging flags shared by both binaries.
type LogConfig struct {
	Level  string
	Format string
}

// ObservabilityConfig carries the ambient metrics/health flags shared by
// both binaries.
type ObservabilityConfig struct {
	MetricsAddr string
}

// NotifyConfig carries the optional OAuth2 client-credentials parameters
// for the notification sink.
type NotifyConfig struct {
	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string
}

// ControllerConfig binds every -flag the controller binary accepts.
type ControllerConfig struct {
	PortToBeScanned int
	ScanDetail      string
	Timeout         time.Duration
	Reexecutions    int
	ScanCronInterval string
	ScanName        string
	HostFile        string
	Denylist        string
	MonitorScan     bool
	NotifyURL       string
	Tranco          int
	Crux            string
	TrancoEmail     int

	PublishMaxAttempts  int
	PublishRetryPerSec  float64

	Broker BrokerConfig
	Store  StoreConfig
	Log    LogConfig
	Obs    ObservabilityConfig
	Notify NotifyConfig
}

var validCruxTiers = map[string]bool{
	"TOP_1k": true, "TOP_5K": true, "TOP_10K": true,
	"TOP_50K": true, "TOP_100K": true, "TOP_500k": true, "TOP_1M": true,
}

// Validate enforces the controller's startup rules: exactly one
// target-list provider must be configured, and -notifyUrl requires
// -monitorScan.
func (c ControllerConfig) Validate() error {
	if c.ScanName == "" {
		return fmt.Errorf("config: -scanName must be set")
	}
	providers := 0
	if c.HostFile != "" {
		providers++
	}
	if c.Tranco > 0 {
		providers++
	}
	if c.TrancoEmail > 0 {
		providers++
	}
	if c.Crux != "" {
		if !validCruxTiers[c.Crux] {
			return fmt.Errorf("config: invalid -crux tier %q", c.Crux)
		}
		providers++
	}
	if providers != 1 {
		return fmt.Errorf("config: exactly one of -hostFile, -tranco, -trancoEmail, -crux must be set, got %d", providers)
	}

	if c.NotifyURL != "" {
		if !c.MonitorScan {
			return fmt.Errorf("config: -notifyUrl requires -monitorScan")
		}
		if _, err := url.ParseRequestURI(c.NotifyURL); err != nil {
			return fmt.Errorf("config: invalid -notifyUrl: %w", err)
		}
	}
	if c.Timeout < 0 {
		return fmt.Errorf("config: -timeout must be >= 0")
	}
	if c.Reexecutions < 0 {
		return fmt.Errorf("config: -reexecutions must be >= 0")
	}
	return nil
}

// TargetListProviderKind reports which provider wins under the priority
// order: hostFile, then trancoEmail, then crux, then tranco.
func (c ControllerConfig) TargetListProviderKind() string {
	switch {
	case c.HostFile != "":
		return "hostFile"
	case c.TrancoEmail > 0:
		return "trancoEmail"
	case c.Crux != "":
		return "crux"
	default:
		return "tranco"
	}
}

// WorkerConfig binds every -flag the worker binary accepts.
type WorkerConfig struct {
	ParallelScanThreads       int
	ParallelConnectionThreads int
	ScanTimeout               time.Duration
	CancelGraceTimeout        time.Duration

	Broker BrokerConfig
	Store  StoreConfig
	Log    LogConfig
	Obs    ObservabilityConfig
}

// Validate enforces the worker's startup rules: scanTimeout must be
// strictly less than the broker's consumer-ack timeout. RabbitMQ's
// default consumer timeout is 30 minutes; this module does not override
// it, so the check is against that default.
const brokerConsumerAckTimeout = 30 * time.Minute

func (w WorkerConfig) Validate() error {
	if w.ParallelScanThreads <= 0 {
		return fmt.Errorf("config: -parallelScanThreads must be > 0")
	}
	if w.ParallelConnectionThreads <= 0 {
		return fmt.Errorf("config: -parallelConnectionThreads must be > 0")
	}
	if w.ScanTimeout < 0 {
		return fmt.Errorf("config: -scanTimeout must be >= 0")
	}
	if w.ScanTimeout >= brokerConsumerAckTimeout {
		return fmt.Errorf("config: -scanTimeout (%s) must be strictly less than the broker consumer-ack timeout (%s)", w.ScanTimeout, brokerConsumerAckTimeout)
	}
	return nil
}
