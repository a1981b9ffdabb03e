//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

// #include <stdint.h>
//
// // RP2350 watchdog registers (datasheet section 12.9). NOTE: the
// // watchdog base is 0x400d8000, not 0x40058000 (PLL_USB).
// static void flashee_reboot_normal(void) {
//     #define WATCHDOG_CTRL ((volatile uint32_t*)0x400d8000)
//     #define WATCHDOG_CTRL_TRIGGER (1u << 31)
//     *WATCHDOG_CTRL = WATCHDOG_CTRL_TRIGGER;
//     while (1) { __asm__("nop"); }
// }
import "C"

import (
	"log/slog"
	"machine"
	"net/netip"
	"runtime"
	"time"

	"openenterprise/flashee/config"
	"openenterprise/flashee/credentials"
	"openenterprise/flashee/devtable"
	"openenterprise/flashee/eeprom"
	"openenterprise/flashee/eeprom/rp2350flash"
	"openenterprise/flashee/telemetry"
	"openenterprise/flashee/version"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
	"github.com/soypat/lneto/x/xnet"
)

// Global WiFi stack reference for shutdown
var globalCyStack *cywnet.Stack

const pollTime = 5 * time.Millisecond

var requestedIP = [4]byte{192, 168, 1, 99}

// eepromBaseOffset and eepromSize locate the emulated EEPROM's flash
// region within the RP2350's external flash, reserved below the firmware
// image by the linker script (not modeled in this tree).
const (
	eepromBaseOffset = 0x150000
	eepromSize       = 4096 * 4 // PageSize(4096) * PageCount(4), per devtable.FamilyRP2350
	eepromEESize     = 16
)

// Debug sleep override duration (0 = use default stats publish interval)
var debugSleepDuration time.Duration

// Functional watchdog state
var (
	lastSuccessfulRefresh time.Time
	consecutiveFailures   int
	systemHealthy         = true // When false, stop feeding watchdog to trigger reset
)

// ForceStatsPublish forces the next wake cycle to publish stats immediately
// (used by the manual refresh console command).
var forceStatsPublish bool

// NTP tracking
var (
	lastNTPSync   time.Time
	ntpSyncCount  int
	ntpFailCount  int
	ntpTimeOffset time.Duration // Last known offset from NTP
	dnsServers    []netip.Addr  // DNS servers from DHCP (for NTP lookups)
)

// Functional watchdog thresholds
const (
	maxConsecutiveFailures = 3
	maxHoursWithoutPublish = 12
)

// fatalError handles unrecoverable errors by waiting for watchdog reset
// with a software reset fallback. This ensures the device always recovers.
func fatalError(msg string) {
	println(msg)
	// Stop feeding watchdog (in case loopForeverStack is running)
	systemHealthy = false
	// Wait for watchdog timeout (8s timeout + margin)
	// If watchdog doesn't trigger, fall back to software reset
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	// Watchdog didn't trigger - use software reset
	println("Watchdog timeout - forcing software reset...")
	rebootDevice()
	// Should never reach here
	for {
		time.Sleep(time.Second)
	}
}

// rebootDevice triggers a software reset. Unlike the dual-partition OTA
// scheme this firmware no longer carries, there is only one image to come
// back up into, so a reset always resumes the same firmware and recovers
// the EEPROM store via its own crash-safe recovery scan.
func rebootDevice() {
	C.flashee_reboot_normal()
}

// WiFi quality tracking
var wifiStats struct {
	connectTime      time.Time // When WiFi connected
	lastMQTTSuccess  time.Time // Last successful MQTT operation
	lastMQTTAttempt  time.Time // Last MQTT attempt
	mqttSuccessCount int       // Total successful MQTT operations
	mqttFailCount    int       // Total failed MQTT operations
	reconnectCount   int       // Number of reconnects (future use)
}

func main() {
	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	println("========================================")
	println("  flashee")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("========================================")

	// Setup application logger (debug level for our code)
	// Uses telemetry.SlogHandler to bridge logs to both console and OpenTelemetry
	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Setup network stack logger (error+4 level to suppress all network noise)
	// The cywnet library logs "packet dropped" at ERROR level which is normal for WiFi
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12), // Higher than ERROR(8) to suppress all network stack logging
	}))

	initConsole()

	// Configure watchdog for reliability (8 second timeout)
	machine.Watchdog.Configure(machine.WatchdogConfig{
		TimeoutMillis: 8000,
	})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	shortSHA := version.GitSHA
	if len(shortSHA) > 7 {
		shortSHA = shortSHA[:7]
	}
	logger.Info("init:complete",
		slog.String("version", version.Version),
		slog.String("sha", shortSHA),
	)

	// Open the wear-leveled EEPROM store against the on-chip flash region
	// reserved for it, via the device-family geometry lookup.
	geometry, err := devtable.Geometry(devtable.FamilyRP2350, eepromBaseOffset, eepromEESize)
	if err != nil {
		logger.Error("eeprom:geometry-invalid", slog.String("err", err.Error()))
		fatalError("EEPROM geometry lookup failed - waiting for reset...")
	}
	flash := rp2350flash.New(eepromBaseOffset, eepromSize)
	store, err := eeprom.Open(flash, geometry)
	if err != nil {
		logger.Error("eeprom:open-failed", slog.String("err", err.Error()))
		fatalError("EEPROM store open failed - waiting for reset...")
	}
	logger.Info("eeprom:open")

	// Get MQTT broker address from config
	brokerAddr, err := config.BrokerAddr()
	if err != nil {
		logger.Error("config:broker-invalid", slog.String("err", err.Error()))
		fatalError("Invalid broker address - waiting for reset...")
	}
	logger.Info("config:broker", slog.String("addr", brokerAddr.String()))

	// Load timing configuration
	statsPublishInterval := config.StatsPublishInterval()
	logger.Info("config:timing", slog.Duration("stats_publish_interval", statsPublishInterval))

	// Initialize WiFi (use quieter logger for network stack)
	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    "flashee",
			MaxTCPPorts: 3, // MQTT + debug console + image server
		},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError("WiFi setup failed - waiting for reset...")
	}

	globalCyStack = cystack

	// Start background goroutine for network stack processing
	go loopForeverStack(cystack)

	// DHCP
	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{
		RequestedAddr: netip.AddrFrom4(requestedIP),
	})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError("DHCP failed - waiting for reset...")
	}
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))

	wifiStats.connectTime = time.Now()
	dnsServers = dhcpResults.DNSServers

	stack := cystack.LnetoStack()

	// Sync time via NTP before telemetry init (so telemetry has correct timestamps)
	logger.Info("ntp:init", slog.String("server", config.NTPServer()))
	if _, err := syncNTP(stack, dnsServers, logger); err != nil {
		// NTP failure is non-fatal, but log it prominently
		logger.Warn("ntp:init-failed", slog.String("err", err.Error()))
		logger.Warn("ntp:time-not-synced", slog.String("fallback", "MQTT timestamp"))
	}

	// Initialize telemetry (non-fatal if collector not configured)
	collectorAddr, err := config.TelemetryCollectorAddr()
	if err != nil {
		logger.Warn("telemetry:config-invalid", slog.String("err", err.Error()))
	} else if err := telemetry.Init(stack, logger, collectorAddr); err != nil {
		logger.Warn("telemetry:init-failed", slog.String("err", err.Error()))
	}

	// Start debug console server
	go consoleServer(stack, store, logger)

	// Start bulk image push/pull server (starts enabled with the default
	// timeout).
	imageServerInit(stack, store, logger)

	lastSuccessfulRefresh = time.Now()

	// Main loop: publish wear-leveling stats to MQTT on a timer, resyncing
	// NTP alongside each publish, decoupled from the console/image servers
	// which run in their own goroutines.
	for {
		feedWatchdogIfHealthy()

		telemetry.GenerateTraceID(stack)
		cycleSpanIdx := telemetry.StartServerSpan(stack, "publish-cycle")

		manualPublish := forceStatsPublish
		forceStatsPublish = false

		logger.Info("cycle:start", slog.Bool("manual", manualPublish))

		ntpSpanIdx := telemetry.StartSpan(stack, "ntp-sync")
		if _, err := syncNTP(stack, dnsServers, logger); err != nil {
			telemetry.EndSpan(ntpSpanIdx, false)
			logger.Warn("ntp:resync-failed", slog.String("err", err.Error()))
		} else {
			telemetry.EndSpan(ntpSpanIdx, true)
		}

		feedWatchdogIfHealthy()

		// MQTT publish retry with exponential backoff: 16s -> 32s -> 60s (max)
		const (
			mqttMinBackoff = 16 * time.Second
			mqttMaxBackoff = 60 * time.Second
			mqttMaxRetries = 3
		)
		mqttBackoff := mqttMinBackoff
		mqttSpanIdx := telemetry.StartSpan(stack, "mqtt-publish")

		for attempt := 0; attempt <= mqttMaxRetries; attempt++ {
			wifiStats.lastMQTTAttempt = time.Now()

			if attempt > 0 {
				logger.Info("mqtt:backoff",
					slog.Int("attempt", attempt+1),
					slog.Duration("wait", mqttBackoff),
				)
				sleepWithWatchdog(mqttBackoff)
				mqttBackoff = mqttBackoff * 2
				if mqttBackoff > mqttMaxBackoff {
					mqttBackoff = mqttMaxBackoff
				}
			}

			feedWatchdogIfHealthy()

			stats, statErr := store.Stats()
			if statErr != nil {
				logger.Error("eeprom:stats-failed", slog.String("err", statErr.Error()))
				break
			}

			err := publishStats(stack, brokerAddr, stats, logger)
			if err != nil {
				logger.Error("mqtt:failed",
					slog.String("err", err.Error()),
					slog.Int("attempt", attempt+1),
				)
				wifiStats.mqttFailCount++

				if attempt < mqttMaxRetries {
					continue
				}

				telemetry.EndSpan(mqttSpanIdx, false)
				consecutiveFailures++
				logger.Warn("watchdog:failure-count",
					slog.Int("consecutive", consecutiveFailures),
					slog.Int("max", maxConsecutiveFailures),
				)
				checkSystemHealth(logger)
			} else {
				telemetry.EndSpan(mqttSpanIdx, true)
				wifiStats.lastMQTTSuccess = time.Now()
				wifiStats.mqttSuccessCount++

				telemetry.RecordCounter("mqtt.success.count", int64(wifiStats.mqttSuccessCount))
				telemetry.RecordCounter("mqtt.fail.count", int64(wifiStats.mqttFailCount))

				consecutiveFailures = 0
				lastSuccessfulRefresh = time.Now()
				logger.Info("stats:published",
					slog.Int("active_page", stats.ActivePage),
					slog.String("time", lastSuccessfulRefresh.Format("15:04:05")),
				)

				if spread := wearSpread(stats); spread > 0 {
					telemetry.RecordCounter("eeprom.wear_spread", int64(spread))
				}
				break
			}
		}

		telemetry.EndSpan(cycleSpanIdx, true)

		logger.Info("sleep:starting", slog.Duration("duration", statsPublishInterval))
		sleepWithRefreshCheck(statsPublishInterval, logger)
		logger.Info("sleep:waking")
	}
}

// sleepWithRefreshCheck sleeps for the given duration but wakes early on a
// manual refresh request from the console.
func sleepWithRefreshCheck(duration time.Duration, logger *slog.Logger) {
	if debugSleepDuration > 0 {
		duration = debugSleepDuration
		logger.Info("sleep:using-debug-duration", slog.Duration("duration", duration))
	}

	checkInterval := 5 * time.Second
	if duration < checkInterval {
		checkInterval = duration
	}
	elapsed := time.Duration(0)

	for elapsed < duration {
		feedWatchdogIfHealthy()
		if forceStatsPublish {
			logger.Info("sleep:manual-refresh-triggered")
			return
		}
		time.Sleep(checkInterval)
		elapsed += checkInterval
	}
}

// feedWatchdogIfHealthy only feeds the watchdog if the system is healthy.
// When unhealthy, the watchdog will timeout and reset the device.
func feedWatchdogIfHealthy() {
	if systemHealthy {
		machine.Watchdog.Update()
	}
}

// checkSystemHealth evaluates if the system should be considered healthy.
// Sets systemHealthy=false if thresholds are exceeded, which will cause
// the watchdog to timeout and reset the device.
func checkSystemHealth(logger *slog.Logger) {
	if consecutiveFailures >= maxConsecutiveFailures {
		logger.Error("watchdog:unhealthy",
			slog.String("reason", "max consecutive failures"),
			slog.Int("failures", consecutiveFailures),
		)
		systemHealthy = false
		return
	}

	hoursSinceSuccess := time.Since(lastSuccessfulRefresh).Hours()
	if hoursSinceSuccess >= maxHoursWithoutPublish {
		logger.Error("watchdog:unhealthy",
			slog.String("reason", "max hours without publish"),
			slog.Float64("hours", hoursSinceSuccess),
		)
		systemHealthy = false
		return
	}
}

// loopForeverStack processes network packets in the background
func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		// Update watchdog every ~100 iterations (~500ms)
		count++
		if count >= 100 {
			feedWatchdogIfHealthy()
			count = 0
		}
	}
}

// NTP fallback servers if primary fails
var ntpFallbackServers = []string{
	"time.cloudflare.com",
	"time.google.com",
	"pool.ntp.org",
}

// syncNTP performs NTP time synchronization.
// Tries configured server first, then fallbacks. Tries all resolved IPs.
// Uses exponential backoff between attempts (max 30s) to avoid hammering servers.
// Returns the time offset applied, or an error if all attempts fail.
func syncNTP(stack *xnet.StackAsync, dnsServers []netip.Addr, logger *slog.Logger) (time.Duration, error) {
	servers := []string{config.NTPServer()}
	for _, fallback := range ntpFallbackServers {
		if fallback != servers[0] {
			servers = append(servers, fallback)
		}
	}

	rstack := stack.StackRetrying(pollTime)
	var lastErr error
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for _, ntpHost := range servers {
		logger.Info("ntp:trying", slog.String("server", ntpHost))
		feedWatchdogIfHealthy()

		time.Sleep(100 * time.Millisecond)

		addrs, err := rstack.DoLookupIP(ntpHost, 5*time.Second, 2)
		if err != nil {
			logger.Warn("ntp:dns-failed", slog.String("server", ntpHost), slog.String("err", err.Error()))
			lastErr = err

			logger.Info("ntp:backoff", slog.Duration("wait", backoff))
			sleepWithWatchdog(backoff)
			backoff = backoff * 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		logger.Info("ntp:dns-resolved", slog.String("server", ntpHost), slog.Int("addrs", len(addrs)))

		for i, addr := range addrs {
			feedWatchdogIfHealthy()

			time.Sleep(200 * time.Millisecond)

			logger.Info("ntp:requesting", slog.String("addr", addr.String()), slog.Int("attempt", i+1))

			offset, err := rstack.DoNTP(addr, 5*time.Second, 3)
			if err != nil {
				logger.Warn("ntp:addr-failed", slog.String("addr", addr.String()), slog.String("err", err.Error()))
				lastErr = err

				logger.Info("ntp:backoff", slog.Duration("wait", backoff))
				sleepWithWatchdog(backoff)
				backoff = backoff * 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			runtime.AdjustTimeOffset(int64(offset))
			ntpTimeOffset = offset
			lastNTPSync = time.Now()
			ntpSyncCount++

			logger.Info("ntp:synced",
				slog.String("server", ntpHost),
				slog.String("addr", addr.String()),
				slog.String("time", time.Now().Format("2006-01-02 15:04:05")),
				slog.Duration("offset", offset),
			)
			return offset, nil
		}
	}

	ntpFailCount++
	logger.Error("ntp:all-failed", slog.Int("servers_tried", len(servers)))
	return 0, lastErr
}

// sleepWithWatchdog sleeps for the given duration while keeping the watchdog fed
func sleepWithWatchdog(d time.Duration) {
	for d > 0 {
		chunk := 2 * time.Second
		if d < chunk {
			chunk = d
		}
		time.Sleep(chunk)
		feedWatchdogIfHealthy()
		d -= chunk
	}
}
