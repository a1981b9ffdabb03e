//go:build tinygo

package main

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"openenterprise/flashee/eeprom"
	"openenterprise/flashee/telemetry"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

// imageserver.go implements a chunked TCP protocol for bulk pull/push of
// the EEPROM's full logical image — 256 bytes at most, since EESize is a
// single byte (§3). Every byte still passes through Store.WriteByte/
// ReadByte individually (§4.9 treats a block transfer as independent
// per-byte operations, never a raw flash blit), so a push still drives
// compaction exactly as a sequence of console 'write' commands would.
const (
	imagePort           = uint16(4242)
	imageBufSize        = 512
	imageDefaultTimeout = 10 * time.Minute // Auto-disable after 10 minutes
)

// Pre-allocated image-server buffers
var (
	imageRxBuf [imageBufSize]byte
	imageTxBuf [512]byte
	imageChunk [256]byte
)

// Image server state (protected by mutex for thread-safety)
var (
	imageMu      sync.Mutex
	imageEnabled bool
	imageEnabledAt time.Time
	imageTimeout time.Duration
	imageStack   *xnet.StackAsync
	imageStore   *eeprom.Store
	imageLogger  *slog.Logger
)

// ImageServerEnable enables the bulk image server for the specified
// duration. If duration is 0, uses the default timeout.
func ImageServerEnable(timeout time.Duration) {
	imageMu.Lock()
	defer imageMu.Unlock()

	if timeout == 0 {
		timeout = imageDefaultTimeout
	}
	imageEnabled = true
	imageEnabledAt = time.Now()
	imageTimeout = timeout

	if imageLogger != nil {
		imageLogger.Info("imageserver:enabled", slog.String("timeout", timeout.String()))
	}
}

// ImageServerDisable disables the bulk image server.
func ImageServerDisable() {
	imageMu.Lock()
	defer imageMu.Unlock()

	imageEnabled = false
	if imageLogger != nil {
		imageLogger.Info("imageserver:disabled")
	}
}

// ImageServerIsEnabled returns true if the bulk image server is currently enabled.
func ImageServerIsEnabled() bool {
	imageMu.Lock()
	defer imageMu.Unlock()

	if !imageEnabled {
		return false
	}
	if time.Since(imageEnabledAt) > imageTimeout {
		imageEnabled = false
		if imageLogger != nil {
			imageLogger.Info("imageserver:timeout-expired")
		}
		return false
	}
	return true
}

// ImageServerTimeRemaining returns the time remaining before the image
// server auto-disables. Returns 0 if disabled.
func ImageServerTimeRemaining() time.Duration {
	imageMu.Lock()
	defer imageMu.Unlock()

	if !imageEnabled {
		return 0
	}
	remaining := imageTimeout - time.Since(imageEnabledAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// imageServerInit initializes the bulk image server (must be called from
// main). The server starts enabled with the default timeout; unlike the
// firmware-update flow this is adapted from, a stray connection can only
// read or overwrite EEPROM bytes, not brick the running firmware, so the
// default posture is permissive rather than opt-in.
func imageServerInit(stack *xnet.StackAsync, store *eeprom.Store, logger *slog.Logger) {
	imageMu.Lock()
	imageStack = stack
	imageStore = store
	imageLogger = logger
	imageMu.Unlock()

	ImageServerEnable(imageDefaultTimeout)

	go imageServerLoop()
}

// imageServerLoop runs the image server loop. Only accepts connections when enabled.
func imageServerLoop() {
	imageMu.Lock()
	stack := imageStack
	store := imageStore
	logger := imageLogger
	imageMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("imageserver:panic-recovered")
		}
	}()

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             imageRxBuf[:],
		TxBuf:             imageTxBuf[:],
		TxPacketQueueSize: 2,
	})
	if err != nil {
		logger.Error("imageserver:configure-failed", slog.String("err", err.Error()))
		return
	}

	logger.Info("imageserver:ready", slog.Int("port", int(imagePort)))

	for {
		for !ImageServerIsEnabled() {
			time.Sleep(500 * time.Millisecond)
		}

		logger.Info("imageserver:listening", slog.Int("port", int(imagePort)))

		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		err = stack.ListenTCP(&conn, imagePort)
		if err != nil {
			logger.Error("imageserver:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 && ImageServerIsEnabled() {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}

		if !ImageServerIsEnabled() {
			conn.Abort()
			logger.Info("imageserver:disabled-while-waiting")
			continue
		}

		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		logger.Info("imageserver:connected", slog.String("ip", formatRemoteIP(conn.RemoteAddr())))

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("imageserver:session-panic")
				}
			}()
			handleImageSession(&conn, store, logger)
		}()

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		logger.Info("imageserver:disconnected")
	}
}

// handleImageSession dispatches a single session to either the push or
// pull handler based on the client's opening command.
func handleImageSession(conn *tcp.Conn, store *eeprom.Store, logger *slog.Logger) {
	telemetry.Pause()
	defer func() {
		telemetry.Resume()
	}()

	var readBuf [8]byte
	n, err := readWithTimeout(conn, readBuf[:], 10*time.Second)
	if err != nil || n < 4 {
		logger.Error("imageserver:no-init")
		return
	}

	switch string(readBuf[:4]) {
	case "PUSH":
		handleImagePush(conn, store, logger)
	case "PULL":
		handleImagePull(conn, store, logger)
	default:
		logger.Error("imageserver:bad-init", slog.String("got", string(readBuf[:n])))
		writeImage(conn, "ERROR unknown command\n")
		flushImage(conn)
	}
}

// handleImagePush receives a full EEPROM image over chunked transfer,
// verifies its SHA256 against the trailer the client sends, and then
// writes it byte-by-byte into the store (each byte goes through
// WriteByte, so compaction runs exactly as it would for any other write).
func handleImagePush(conn *tcp.Conn, store *eeprom.Store, logger *slog.Logger) {
	size := int(store.Size())

	writeImage(conn, "READY ")
	writeImageInt(conn, size)
	writeImage(conn, "\n")
	flushImage(conn)
	time.Sleep(100 * time.Millisecond)

	logger.Info("imageserver:push-ready", slog.Int("size", size))

	var readBuf [80]byte // room for "DONE " + 64 hex digits + newline
	var image [256]byte
	var totalBytes int
	hasher := sha256.New()
	chunkNum := 0

	for {
		feedWatchdogIfHealthy()

		err := readExactly(conn, readBuf[:4], 30*time.Second)
		if err != nil {
			logger.Error("imageserver:read-timeout", slog.String("err", err.Error()))
			return
		}

		if string(readBuf[:4]) == "DONE" {
			n2, _ := readWithTimeout(conn, readBuf[4:], 2*time.Second)
			fullCmd := string(readBuf[:4+n2])
			expectedHash := ""
			if len(fullCmd) > 5 {
				expectedHash = trimSpace(fullCmd[5:])
			}

			actualHash := formatHashHex(hasher.Sum(nil))
			if expectedHash != "" && expectedHash != actualHash {
				logger.Error("imageserver:hash-mismatch")
				writeImage(conn, "ERROR hash mismatch\n")
				flushImage(conn)
				return
			}
			if totalBytes != size {
				logger.Error("imageserver:size-mismatch", slog.Int("got", totalBytes), slog.Int("want", size))
				writeImage(conn, "ERROR size mismatch\n")
				flushImage(conn)
				return
			}

			if err := store.WriteBlock(0, image[:size]); err != nil {
				logger.Error("imageserver:write-failed", slog.String("err", err.Error()))
				writeImage(conn, "ERROR write failed\n")
				flushImage(conn)
				return
			}

			writeImage(conn, "VERIFIED\n")
			flushImage(conn)
			logger.Info("imageserver:push-complete", slog.Int("bytes", totalBytes), slog.Int("chunks", chunkNum))
			return
		}

		chunkLen := binary.LittleEndian.Uint32(readBuf[:4])
		if int(chunkLen) > len(imageChunk) || totalBytes+int(chunkLen) > size {
			logger.Error("imageserver:chunk-too-large", slog.Int("size", int(chunkLen)))
			writeImage(conn, "ERROR chunk too large\n")
			flushImage(conn)
			return
		}

		if err := readExactly(conn, imageChunk[:chunkLen], 30*time.Second); err != nil {
			logger.Error("imageserver:chunk-read-failed", slog.Int("chunk", chunkNum), slog.String("err", err.Error()))
			return
		}

		hasher.Write(imageChunk[:chunkLen])
		copy(image[totalBytes:], imageChunk[:chunkLen])
		totalBytes += int(chunkLen)
		chunkNum++

		writeImage(conn, "ACK ")
		writeImageInt(conn, totalBytes)
		writeImage(conn, "\n")
		flushImage(conn)
		time.Sleep(20 * time.Millisecond)
		for i := 0; i < 10; i++ {
			runtime.Gosched()
		}
	}
}

// handleImagePull sends the store's current logical image (one ReadBlock
// call, which itself is len(buf) individual ReadByte calls per §4.9) as a
// single chunk, followed by a DONE trailer carrying the SHA256 so the
// client can verify the transfer.
func handleImagePull(conn *tcp.Conn, store *eeprom.Store, logger *slog.Logger) {
	size := int(store.Size())
	var image [256]byte
	if err := store.ReadBlock(0, image[:size]); err != nil {
		logger.Error("imageserver:read-failed", slog.String("err", err.Error()))
		writeImage(conn, "ERROR read failed\n")
		flushImage(conn)
		return
	}

	writeImage(conn, "READY ")
	writeImageInt(conn, size)
	writeImage(conn, "\n")
	flushImage(conn)
	time.Sleep(100 * time.Millisecond)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(size))
	conn.Write(lenBuf[:])
	conn.Write(image[:size])
	flushImage(conn)

	hash := sha256.Sum256(image[:size])
	writeImage(conn, "DONE ")
	writeImage(conn, formatHashHex(hash[:]))
	writeImage(conn, "\n")
	flushImage(conn)

	logger.Info("imageserver:pull-complete", slog.Int("bytes", size))
}

// readWithTimeout reads from connection with timeout (returns on first data)
func readWithTimeout(conn *tcp.Conn, buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	totalRead := 0

	for time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return totalRead, io.EOF
		}

		n, err := conn.Read(buf[totalRead:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return totalRead, err
		}

		if n > 0 {
			totalRead += n
			return totalRead, nil
		}

		time.Sleep(10 * time.Millisecond)
	}

	return totalRead, errors.New("timeout")
}

// readExactly reads exactly n bytes from connection with timeout
func readExactly(conn *tcp.Conn, buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	totalRead := 0
	needed := len(buf)

	for totalRead < needed && time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return io.EOF
		}

		n, err := conn.Read(buf[totalRead:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return err
		}

		if n > 0 {
			totalRead += n
		} else {
			time.Sleep(10 * time.Millisecond)
		}
	}

	if totalRead < needed {
		return errors.New("timeout")
	}
	return nil
}

// writeImage writes a string to the image server connection
func writeImage(conn *tcp.Conn, s string) {
	conn.Write([]byte(s))
}

// writeImageInt writes an integer to the image server connection
func writeImageInt(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	conn.Write(buf[i:])
}

// flushImage flushes the image server connection
func flushImage(conn *tcp.Conn) {
	conn.Flush()
	for i := 0; i < 5; i++ {
		runtime.Gosched()
	}
}

// formatHashHex formats a hash as hex string
func formatHashHex(hash []byte) string {
	const hexDigits = "0123456789abcdef"
	result := make([]byte, len(hash)*2)
	for i, b := range hash {
		result[i*2] = hexDigits[b>>4]
		result[i*2+1] = hexDigits[b&0xf]
	}
	return string(result)
}

// trimSpace trims whitespace from string
func trimSpace(s string) string {
	start := 0
	end := len(s)
	for start < end && (s[start] == ' ' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}
