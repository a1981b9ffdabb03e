package config

import (
	_ "embed"
	"net/netip"
	"strings"
	"time"
)

// Defaults for operational configuration.
// These can be overridden by placing a non-empty value in the corresponding .text file.
const (
	DefaultStatsPublishInterval = 5 * time.Minute
	DefaultNTPServer            = "time.cloudflare.com"
)

// Environment-specific configuration (must be provided via embedded text files).
var (
	//go:embed broker.text
	brokerAddr string

	//go:embed clientid.text
	clientID string

	//go:embed telemetry_collector.text
	telemetryCollector string
)

// Optional overrides for defaults (empty file = use default).
var (
	//go:embed stats_publish_interval.text
	statsPublishIntervalOverride string

	//go:embed ntp_server.text
	ntpServerOverride string
)

// BrokerAddr returns the MQTT broker address from broker.text file.
// Format: "host:port" e.g., "192.168.1.100:1883"
func BrokerAddr() (netip.AddrPort, error) {
	addr := strings.TrimSpace(brokerAddr)
	return netip.ParseAddrPort(addr)
}

// ClientID returns the MQTT client ID from clientid.text file.
func ClientID() string {
	return strings.TrimSpace(clientID)
}

// TelemetryCollectorAddr returns the telemetry collector address from telemetry_collector.text file.
// Format: "host:port" e.g., "192.168.1.100:4318"
func TelemetryCollectorAddr() (netip.AddrPort, error) {
	addr := strings.TrimSpace(telemetryCollector)
	return netip.ParseAddrPort(addr)
}

// StatsPublishInterval returns how often the device publishes
// eeprom.Stats to MQTT. Returns DefaultStatsPublishInterval unless
// overridden via stats_publish_interval.text.
func StatsPublishInterval() time.Duration {
	if override := strings.TrimSpace(statsPublishIntervalOverride); override != "" {
		if d, err := time.ParseDuration(override); err == nil {
			return d
		}
	}
	return DefaultStatsPublishInterval
}

// NTPServer returns the NTP server hostname for time synchronization.
// Returns DefaultNTPServer unless overridden via ntp_server.text.
func NTPServer() string {
	if override := strings.TrimSpace(ntpServerOverride); override != "" {
		return override
	}
	return DefaultNTPServer
}
