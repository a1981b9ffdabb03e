//go:build tinygo

package main

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"openenterprise/flashee/config"
	"openenterprise/flashee/credentials"
	"openenterprise/flashee/eeprom"
	"openenterprise/flashee/telemetry"
	"openenterprise/flashee/version"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	consolePort    = uint16(23) // Telnet port
	consoleBufSize = 1024
)

// Pre-allocated console buffers
var (
	consoleRxBuf [consoleBufSize]byte
	consoleTxBuf [consoleBufSize]byte
	consoleBuf   [consoleBufSize]byte
	startTime    time.Time
)

// Authentication state for brute-force protection
var (
	authFailures    int
	lastFailureTime time.Time
)

// Console commands
const (
	cmdHelp           = "help"
	cmdStats          = "stats"
	cmdRead           = "read"
	cmdWrite          = "write"
	cmdDump           = "dump"
	cmdCompact        = "compact"
	cmdVersion        = "version"
	cmdNet            = "net"
	cmdReboot         = "reboot"
	cmdTelemetry      = "telemetry"
	cmdTelemetryFlush = "telemetry-flush"
	cmdNTP            = "ntp"
	cmdNTPSync        = "ntp-sync"
)

// consoleServer runs a TCP debug console on port 23
func consoleServer(
	stack *xnet.StackAsync,
	store *eeprom.Store,
	logger *slog.Logger,
) {
	// Recover from any panics to keep console server running
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:panic-recovered")
		}
	}()

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             consoleRxBuf[:],
		TxBuf:             consoleTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		logger.Error("console:configure-failed", slog.String("err", err.Error()))
		return
	}

	ourAddr := netip.AddrPortFrom(stack.Addr(), consolePort)
	logger.Info("console:listening", slog.String("addr", ourAddr.String()))

	for {
		// Always abort any previous state before listening
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		// Check lockout before accepting new connections
		if checkLockout() {
			lockout := getLockoutDuration()
			logger.Info("console:lockout", slog.Int("failures", authFailures), slog.Duration("remaining", lockout-time.Since(lastFailureTime)))
			time.Sleep(1 * time.Second)
			continue
		}

		// Listen for incoming connection
		err = stack.ListenTCP(&conn, consolePort)
		if err != nil {
			logger.Error("console:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		// Wait for connection with timeout
		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}

		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		logger.Info("console:connected", slog.String("ip", formatRemoteIP(conn.RemoteAddr())))

		// Authenticate before allowing access
		if !authenticateConsole(&conn) {
			logger.Info("console:auth-failed", slog.Int("failures", authFailures))
			conn.Close()
			for i := 0; i < 10 && !conn.State().IsClosed(); i++ {
				time.Sleep(100 * time.Millisecond)
			}
			conn.Abort()
			continue
		}

		logger.Info("console:authenticated")

		// Send welcome message
		writeConsole(&conn, "flashee debug console\r\nType 'help' for commands\r\n> ")
		flushConsole(&conn)

		// Handle commands with recovery
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("console:session-panic")
				}
			}()
			handleConsoleSession(&conn, stack, store, logger)
		}()

		// Clean up connection
		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		logger.Info("console:disconnected")
	}
}

// handleConsoleSession handles a single console session
func handleConsoleSession(conn *tcp.Conn, stack *xnet.StackAsync, store *eeprom.Store, logger *slog.Logger) {
	var cmdLen int
	var readBuf [64]byte // Separate read buffer
	var skipIAC int      // Bytes to skip for telnet IAC sequence

	for {
		// Check connection state (RxDataOpen detects CLOSE_WAIT from client disconnect)
		if conn.State().IsClosed() || conn.State().IsClosing() || !conn.State().RxDataOpen() {
			return
		}

		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return
		}

		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		// Copy to command buffer with bounds check
		gotNewline := false
		for i := 0; i < n && cmdLen < len(consoleBuf)-1; i++ {
			b := readBuf[i]

			// Skip remaining bytes from telnet IAC sequence
			if skipIAC > 0 {
				skipIAC--
				continue
			}

			// Handle telnet IAC (Interpret As Command) sequences
			// IAC = 0xFF, followed by command byte and possibly option byte
			if b == 0xFF {
				// Need to skip at least the command byte
				// WILL/WONT/DO/DONT (0xFB-0xFE) also have an option byte
				skipIAC = 2 // Skip command + option (safe default)
				continue
			}

			if b == '\n' || b == '\r' {
				// Skip consecutive CR/LF (telnet sends \r\n)
				if gotNewline {
					continue
				}
				gotNewline = true
				// Allow TCP stack time to process pending packets
				time.Sleep(10 * time.Millisecond)
				// Process command
				if cmdLen > 0 {
					processCommand(conn, stack, store, consoleBuf[:cmdLen], logger)
				}
				cmdLen = 0
				conn.Write([]byte("> "))
				conn.Flush()
				// Allow TCP stack time to process packets
				time.Sleep(50 * time.Millisecond)
			} else if b >= 32 && b < 127 { // Printable ASCII only
				consoleBuf[cmdLen] = b
				cmdLen++
				gotNewline = false
			}
		}

		// Prevent buffer overflow
		if cmdLen >= len(consoleBuf)-1 {
			cmdLen = 0
			writeConsole(conn, "\r\nLine too long\r\n> ")
			flushConsole(conn)
		}
	}
}

// processCommand handles a single console command
func processCommand(conn *tcp.Conn, stack *xnet.StackAsync, store *eeprom.Store, cmd []byte, logger *slog.Logger) {
	// Recover from panics to keep console running
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:command-panic")
		}
	}()

	switch {
	case bytesEqual(cmd, []byte(cmdHelp)):
		writeConsole(conn, "Commands: help version net ntp ntp-sync\r\n")
		writeConsole(conn, "  stats, read <addr>, write <addr> <value>, dump\r\n")
		writeConsole(conn, "  compact, reboot\r\n")
		writeConsole(conn, "  telemetry, telemetry-flush\r\n")

	case bytesEqual(cmd, []byte(cmdStats)):
		stats, err := store.Stats()
		if err != nil {
			writeConsole(conn, "Stats error: ")
			writeConsole(conn, err.Error())
			writeConsole(conn, "\r\n")
			break
		}
		writeConsole(conn, "Active page:    ")
		writeInt(conn, stats.ActivePage)
		writeConsole(conn, "\r\nFree bytes:     ")
		writeInt(conn, stats.FreeBytes)
		writeConsole(conn, "\r\nCompactions:    ")
		writeInt(conn, int(stats.Compactions))
		writeConsole(conn, "\r\nErase counters: [")
		for i, c := range stats.EraseCounters {
			if i > 0 {
				writeConsole(conn, " ")
			}
			writeInt(conn, int(c))
		}
		writeConsole(conn, "]\r\nWear spread:    ")
		writeInt(conn, int(wearSpread(stats)))
		writeConsole(conn, "\r\n")

	case len(cmd) > len(cmdRead)+1 && bytesEqual(cmd[:len(cmdRead)], []byte(cmdRead)) && cmd[len(cmdRead)] == ' ':
		addr, ok := parseByteArg(cmd[len(cmdRead)+1:])
		if !ok {
			writeConsole(conn, "Usage: read <addr 0-255>\r\n")
			break
		}
		value, err := store.ReadByte(addr)
		if err != nil {
			writeConsole(conn, "Read error: ")
			writeConsole(conn, err.Error())
			writeConsole(conn, "\r\n")
			break
		}
		writeConsole(conn, "[")
		writeInt(conn, int(addr))
		writeConsole(conn, "] = 0x")
		writeHexByte(conn, value)
		writeConsole(conn, "\r\n")

	case len(cmd) > len(cmdWrite)+1 && bytesEqual(cmd[:len(cmdWrite)], []byte(cmdWrite)) && cmd[len(cmdWrite)] == ' ':
		args := cmd[len(cmdWrite)+1:]
		sp := indexByte(args, ' ')
		if sp < 0 {
			writeConsole(conn, "Usage: write <addr 0-255> <value 0-255>\r\n")
			break
		}
		addr, ok1 := parseByteArg(args[:sp])
		value, ok2 := parseByteArg(args[sp+1:])
		if !ok1 || !ok2 {
			writeConsole(conn, "Usage: write <addr 0-255> <value 0-255>\r\n")
			break
		}
		if err := store.WriteByte(addr, value); err != nil {
			writeConsole(conn, "Write error: ")
			writeConsole(conn, err.Error())
			writeConsole(conn, "\r\n")
			break
		}
		writeConsole(conn, "OK\r\n")

	case bytesEqual(cmd, []byte(cmdDump)):
		size := store.Size()
		var buf [256]byte
		if err := store.ReadBlock(0, buf[:size]); err != nil {
			writeConsole(conn, "Dump error: ")
			writeConsole(conn, err.Error())
			writeConsole(conn, "\r\n")
			break
		}
		for base := 0; base < int(size); base += 16 {
			end := base + 16
			if end > int(size) {
				end = int(size)
			}
			writeHexByte(conn, byte(base))
			writeConsole(conn, ": ")
			for _, b := range buf[base:end] {
				writeHexByte(conn, b)
				writeConsole(conn, " ")
			}
			writeConsole(conn, "\r\n")
		}

	case bytesEqual(cmd, []byte(cmdCompact)):
		writeConsole(conn, "Forcing compaction...\r\n")
		if err := store.ForceCompact(); err != nil {
			writeConsole(conn, "Compact error: ")
			writeConsole(conn, err.Error())
			writeConsole(conn, "\r\n")
			break
		}
		writeConsole(conn, "Compaction complete\r\n")

	case bytesEqual(cmd, []byte(cmdVersion)):
		writeConsole(conn, "flashee\r\n")
		writeConsole(conn, "  Version: ")
		writeConsole(conn, version.Version)
		writeConsole(conn, "\r\n  Git SHA: ")
		writeConsole(conn, version.GitSHA)
		writeConsole(conn, "\r\n  Built:   ")
		writeConsole(conn, version.BuildDate)
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdNet)):
		writeConsole(conn, "Network Status:\r\n")
		writeConsole(conn, "  IP Address: ")
		writeConsole(conn, stack.Addr().String())
		writeConsole(conn, "\r\n  Console:    port ")
		writeInt(conn, int(consolePort))
		writeConsole(conn, "\r\n  Uptime:     ")
		writeUptime(conn)
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdReboot)):
		writeConsole(conn, "Rebooting device...\r\n")
		conn.Flush()
		time.Sleep(100 * time.Millisecond)
		rebootDevice()

	case bytesEqual(cmd, []byte(cmdTelemetry)):
		enabled, qLogs, qMetrics, qSpans, sLogs, sMetrics, sSpans, errs, collector := telemetry.Status()
		writeConsole(conn, "Telemetry Status:\r\n")
		writeConsole(conn, "  Enabled:    ")
		if enabled {
			writeConsole(conn, "yes\r\n")
		} else {
			writeConsole(conn, "no\r\n")
		}
		writeConsole(conn, "  Collector:  ")
		writeConsole(conn, collector)
		writeConsole(conn, "\r\n  Queued:\r\n")
		writeConsole(conn, "    Logs:     ")
		writeInt(conn, qLogs)
		writeConsole(conn, "\r\n    Metrics:  ")
		writeInt(conn, qMetrics)
		writeConsole(conn, "\r\n    Spans:    ")
		writeInt(conn, qSpans)
		writeConsole(conn, "\r\n  Sent:\r\n")
		writeConsole(conn, "    Logs:     ")
		writeInt(conn, sLogs)
		writeConsole(conn, "\r\n    Metrics:  ")
		writeInt(conn, sMetrics)
		writeConsole(conn, "\r\n    Spans:    ")
		writeInt(conn, sSpans)
		writeConsole(conn, "\r\n  Errors:     ")
		writeInt(conn, errs)
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdTelemetryFlush)):
		writeConsole(conn, "Flushing telemetry queues...\r\n")
		telemetry.Flush()
		writeConsole(conn, "Flush complete\r\n")

	case bytesEqual(cmd, []byte(cmdNTP)):
		writeConsole(conn, "NTP Status:\r\n")
		writeConsole(conn, "  Server:     ")
		writeConsole(conn, config.NTPServer())
		writeConsole(conn, "\r\n  Last sync:  ")
		if lastNTPSync.IsZero() {
			writeConsole(conn, "never\r\n")
		} else {
			writeConsole(conn, lastNTPSync.Format("15:04:05"))
			writeConsole(conn, " (")
			mins := int(time.Since(lastNTPSync).Minutes())
			writeInt(conn, mins)
			writeConsole(conn, "m ago)\r\n")
		}
		writeConsole(conn, "  Offset:     ")
		if ntpTimeOffset == 0 && lastNTPSync.IsZero() {
			writeConsole(conn, "unknown\r\n")
		} else {
			writeInt(conn, int(ntpTimeOffset.Milliseconds()))
			writeConsole(conn, "ms\r\n")
		}
		writeConsole(conn, "  Syncs:      ")
		writeInt(conn, ntpSyncCount)
		writeConsole(conn, "\r\n  Failures:   ")
		writeInt(conn, ntpFailCount)
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdNTPSync)):
		writeConsole(conn, "Triggering NTP sync...\r\n")
		conn.Flush()
		offset, err := syncNTP(stack, dnsServers, logger)
		if err != nil {
			writeConsole(conn, "NTP sync failed: ")
			writeConsole(conn, err.Error())
			writeConsole(conn, "\r\n")
		} else {
			writeConsole(conn, "NTP sync complete\r\n")
			writeConsole(conn, "  Time:   ")
			writeConsole(conn, time.Now().Format("2006-01-02 15:04:05"))
			writeConsole(conn, " UTC\r\n")
			writeConsole(conn, "  Offset: ")
			writeInt(conn, int(offset.Milliseconds()))
			writeConsole(conn, "ms\r\n")
		}

	default:
		writeConsole(conn, "Unknown command: ")
		conn.Write(cmd)
		writeConsole(conn, "\r\nType 'help' for commands\r\n")
	}
	// Flush and allow TCP stack time to process packets
	conn.Flush()
	time.Sleep(50 * time.Millisecond)
}

// writeConsole writes a string to the console connection (no flush)
func writeConsole(conn *tcp.Conn, s string) {
	conn.Write([]byte(s))
}

// flushConsole flushes the console output
func flushConsole(conn *tcp.Conn) {
	conn.Flush()
}

// writeInt writes an integer to the console
func writeInt(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	conn.Write(buf[i:])
}

// writeHexByte writes a single byte as 2 hex digits (no 0x prefix)
func writeHexByte(conn *tcp.Conn, b byte) {
	const hexDigits = "0123456789abcdef"
	conn.Write([]byte{hexDigits[b>>4], hexDigits[b&0xf]})
}

// writeUptime writes the uptime in human-readable format
func writeUptime(conn *tcp.Conn) {
	if startTime.IsZero() {
		conn.Write([]byte("unknown"))
		return
	}
	d := time.Since(startTime)
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	writeInt(conn, hours)
	conn.Write([]byte("h "))
	writeInt(conn, mins)
	conn.Write([]byte("m "))
	writeInt(conn, secs)
	conn.Write([]byte("s"))
}

// initConsole initializes the console module
func initConsole() {
	startTime = time.Now()
}

// getLockoutDuration returns the lockout duration based on failure count
func getLockoutDuration() time.Duration {
	switch {
	case authFailures >= 10:
		return 5 * time.Minute
	case authFailures >= 5:
		return 30 * time.Second
	case authFailures >= 3:
		return 5 * time.Second
	default:
		return 0
	}
}

// checkLockout checks if we're in a lockout period
// Returns true if connection should be rejected
func checkLockout() bool {
	lockout := getLockoutDuration()
	if lockout == 0 {
		return false
	}
	return time.Since(lastFailureTime) < lockout
}

// recordFailure records an authentication failure
func recordFailure() {
	authFailures++
	lastFailureTime = time.Now()
}

// resetFailures resets the failure counter on successful auth
func resetFailures() {
	authFailures = 0
}

// Telnet protocol bytes for echo control
var (
	telnetWillEcho = []byte{0xFF, 0xFB, 0x01} // IAC WILL ECHO - server handles echo (client stops)
	telnetWontEcho = []byte{0xFF, 0xFC, 0x01} // IAC WONT ECHO - server stops echo (client resumes)
)

// authenticateConsole prompts for password and verifies
// Returns true if authenticated, false otherwise
func authenticateConsole(conn *tcp.Conn) bool {
	// Disable client echo for password entry
	conn.Write(telnetWillEcho)
	writeConsole(conn, "Password: ")
	flushConsole(conn)

	// Read password with timeout
	var passBuf [64]byte
	var readBuf [64]byte
	var passLen int
	var skipIAC int // Bytes to skip for telnet IAC sequence
	deadline := time.Now().Add(10 * time.Second)

	// Helper to restore echo before returning
	restoreEcho := func() {
		conn.Write(telnetWontEcho)
		writeConsole(conn, "\r\n")
		flushConsole(conn)
	}

	for time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() || !conn.State().RxDataOpen() {
			restoreEcho()
			return false
		}

		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			restoreEcho()
			return false
		}

		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		// Process received bytes
		for i := 0; i < n && passLen < len(passBuf)-1; i++ {
			b := readBuf[i]

			// Skip remaining bytes from telnet IAC sequence
			if skipIAC > 0 {
				skipIAC--
				continue
			}

			// Handle telnet IAC (Interpret As Command) sequences
			// IAC = 0xFF, followed by command byte and possibly option byte
			if b == 0xFF {
				skipIAC = 2 // Skip command + option
				continue
			}

			if b == '\n' || b == '\r' {
				// Got newline, verify password using constant-time comparison
				restoreEcho()
				password := passBuf[:passLen]
				expected := []byte(credentials.ConsolePassword())
				if subtle.ConstantTimeCompare(password, expected) == 1 {
					resetFailures()
					return true
				}
				recordFailure()
				return false
			} else if b >= 32 && b < 127 {
				passBuf[passLen] = b
				passLen++
			}
		}

		// Check for buffer overflow
		if passLen >= len(passBuf)-1 {
			restoreEcho()
			recordFailure()
			return false
		}
	}

	// Timeout
	restoreEcho()
	recordFailure()
	return false
}

// bytesEqual compares two byte slices for equality.
func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// indexByte returns the index of the first occurrence of c in b, or -1.
func indexByte(b []byte, c byte) int {
	for i := range b {
		if b[i] == c {
			return i
		}
	}
	return -1
}

// parseByteArg parses a decimal byte value (0-255) from s.
func parseByteArg(s []byte) (byte, bool) {
	if len(s) == 0 || len(s) > 3 {
		return 0, false
	}
	var v int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int(c-'0')
		if v > 255 {
			return 0, false
		}
	}
	return byte(v), true
}

// formatRemoteIP formats a remote IP address as a string for logging
func formatRemoteIP(addr []byte) string {
	if len(addr) == 4 {
		// IPv4
		var buf [15]byte // max "255.255.255.255"
		pos := 0
		for i := 0; i < 4; i++ {
			if i > 0 {
				buf[pos] = '.'
				pos++
			}
			pos += writeIntToBuf(buf[pos:], int(addr[i]))
		}
		return string(buf[:pos])
	}
	return "unknown"
}

// writeIntToBuf writes an integer to a byte buffer, returns bytes written
func writeIntToBuf(buf []byte, n int) int {
	if n == 0 {
		buf[0] = '0'
		return 1
	}
	var digits [3]byte
	i := len(digits)
	for n > 0 && i > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	copy(buf, digits[i:])
	return len(digits) - i
}
