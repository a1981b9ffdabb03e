//go:build tinygo

package main

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"openenterprise/flashee/config"
	"openenterprise/flashee/eeprom"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	mqttTimeout = 10 * time.Second
	mqttRetries = 3
	tcpBufSize  = 2030 // MTU - ethhdr - iphdr - tcphdr
	mqttBufSize = 256
)

// MQTT topic the device publishes wear-leveling stats to, one-way,
// retained, QoS0 — there is no request/response here, unlike the
// schedule-fetch flow this file is adapted from.
var topicStats = []byte("flashee/stats")

// Pre-allocated buffers for memory efficiency.
var (
	tcpRxBuf    [tcpBufSize]byte
	tcpTxBuf    [tcpBufSize]byte
	mqttUserBuf [mqttBufSize]byte
	statsBuf    [mqttBufSize]byte
)

// MQTT publish flags: QoS0, retained so the last known stats are
// available to a freshly-subscribed monitor.
var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, true)

// publishStats connects to the MQTT broker, publishes a JSON-ish encoded
// eeprom.Stats snapshot to topicStats, and disconnects. It never waits
// for a response — the teacher's schedule fetch over MQTT was
// request/response; wear-leveling stats are a one-way heartbeat.
func publishStats(
	stack *xnet.StackAsync,
	brokerAddr netip.AddrPort,
	stats eeprom.Stats,
	logger *slog.Logger,
) error {
	rstack := stack.StackRetrying(5 * time.Millisecond)

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             tcpRxBuf[:],
		TxBuf:             tcpTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return err
	}

	cfg := mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: mqttUserBuf[:]},
	}

	var varconn mqtt.VariablesConnect
	clientID := make([]byte, 0, 32)
	clientID = append(clientID, config.ClientID()...)
	clientID = append(clientID, '-')
	clientID = appendHex(clientID, uint16(stack.Prand32()))
	varconn.SetDefaultMQTT(clientID)
	client := mqtt.NewClient(cfg)

	lport := uint16(stack.Prand32()>>17) + 1024
	logger.Info("mqtt:dialing",
		slog.String("broker", brokerAddr.String()),
		slog.String("clientid", string(clientID)),
		slog.Uint64("localport", uint64(lport)),
	)

	if err := rstack.DoDialTCP(&conn, lport, brokerAddr, mqttTimeout, mqttRetries); err != nil {
		logger.Error("mqtt:dial-failed", slog.String("err", err.Error()))
		closeConn(&conn, stack, brokerAddr)
		return err
	}

	conn.SetDeadline(time.Now().Add(mqttTimeout))
	if err := client.StartConnect(&conn, &varconn); err != nil {
		logger.Error("mqtt:start-connect-failed", slog.String("err", err.Error()))
		closeConn(&conn, stack, brokerAddr)
		return err
	}

	retries := 50
	for retries > 0 && !client.IsConnected() {
		time.Sleep(100 * time.Millisecond)
		if err := client.HandleNext(); err != nil {
			logger.Warn("mqtt:handle-next", slog.String("err", err.Error()))
		}
		retries--
	}
	if !client.IsConnected() {
		logger.Error("mqtt:connect-timeout")
		closeConn(&conn, stack, brokerAddr)
		return errors.New("mqtt connect timeout")
	}
	logger.Info("mqtt:connected")

	n := encodeStats(statsBuf[:0], stats)

	conn.SetDeadline(time.Now().Add(mqttTimeout))
	pubVar := mqtt.VariablesPublish{
		TopicName:        topicStats,
		PacketIdentifier: uint16(stack.Prand32()),
	}
	if err := client.PublishPayload(pubFlags, pubVar, statsBuf[:n]); err != nil {
		logger.Error("mqtt:publish-failed", slog.String("err", err.Error()))
		closeConn(&conn, stack, brokerAddr)
		return err
	}
	logger.Info("mqtt:published", slog.String("topic", string(topicStats)), slog.Int("bytes", n))

	// Pump the client briefly so the broker's PUBACK (if QoS>0 were used)
	// and the clean disconnect have a chance to flush.
	for i := 0; i < 10; i++ {
		time.Sleep(50 * time.Millisecond)
		client.HandleNext()
	}

	client.Disconnect(errors.New("publish complete"))
	closeConn(&conn, stack, brokerAddr)
	return nil
}

// encodeStats renders stats as a compact JSON object directly into buf,
// without reaching for encoding/json (no heap allocation, matching the
// teacher's zero-alloc discipline throughout its on-device code paths).
func encodeStats(buf []byte, stats eeprom.Stats) int {
	buf = append(buf, `{"active_page":`...)
	buf = appendUint(buf, uint64(stats.ActivePage))
	buf = append(buf, `,"free_bytes":`...)
	buf = appendUint(buf, uint64(stats.FreeBytes))
	buf = append(buf, `,"compactions":`...)
	buf = appendUint(buf, stats.Compactions)
	buf = append(buf, `,"erase_counters":[`...)
	for i, c := range stats.EraseCounters {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendUint(buf, uint64(c))
	}
	buf = append(buf, "]}"...)
	return len(buf)
}

// appendUint appends the decimal representation of v to buf without
// allocating (no strconv.AppendUint import needed for this one case, kept
// consistent with the manual byte-buffer helpers already used throughout
// telemetry/slog.go).
func appendUint(buf []byte, v uint64) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(buf, tmp[i:]...)
}

// closeConn closes the TCP connection and waits for it to close.
func closeConn(conn *tcp.Conn, stack *xnet.StackAsync, addr netip.AddrPort) {
	conn.Close()
	for i := 0; i < 50 && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()
	stack.DiscardResolveHardwareAddress6(addr.Addr())
}

// appendHex appends a uint16 as 4 hex characters to the byte slice.
func appendHex(b []byte, v uint16) []byte {
	const hexDigits = "0123456789abcdef"
	return append(b,
		hexDigits[(v>>12)&0xf],
		hexDigits[(v>>8)&0xf],
		hexDigits[(v>>4)&0xf],
		hexDigits[v&0xf],
	)
}
