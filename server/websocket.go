package server

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vimo-ai/vlaude-sub001/relay"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// handleStream upgrades the connection and streams relay events until the
// client disconnects. A session_id query parameter narrows the stream to
// one session and counts as a remote attachment for that session.
func (r *Runtime) handleStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	sessionID := strings.TrimSpace(req.URL.Query().Get("session_id"))

	conn, rw, err := upgradeWebSocket(w, req)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "upgrade_failed", err.Error())
		return
	}
	defer conn.Close()

	sub := r.broker.Subscribe(sessionID)
	defer sub.Close()

	if sessionID != "" {
		r.coord.AttachRemote(sessionID)
		defer r.coord.DetachRemote(sessionID)
	}

	// Drain client frames so the read side surfaces disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		buf := make([]byte, 512)
		for {
			if _, err := rw.Read(buf); err != nil {
				return
			}
		}
	}()

	hello := relay.Event{Kind: relay.EventStatus, SessionID: sessionID, Status: "connected", Time: time.Now()}
	if err := writeWebSocketJSON(conn, hello); err != nil {
		return
	}

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-req.Context().Done():
			return
		case <-sub.Done():
			return
		case event := <-sub.Events():
			if err := writeWebSocketJSON(conn, event); err != nil {
				return
			}
		case now := <-ticker.C:
			beat := relay.Event{Kind: relay.EventStatus, SessionID: sessionID, Status: "heartbeat", Time: now}
			if err := writeWebSocketJSON(conn, beat); err != nil {
				log.Printf("Warning: stream heartbeat failed: %v", err)
				return
			}
		}
	}
}

func upgradeWebSocket(w http.ResponseWriter, req *http.Request) (net.Conn, *bufio.ReadWriter, error) {
	if !headerContainsToken(req.Header, "Connection", "upgrade") || !headerContainsToken(req.Header, "Upgrade", "websocket") {
		return nil, nil, fmt.Errorf("not a websocket upgrade request")
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, nil, fmt.Errorf("missing Sec-WebSocket-Key header")
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("hijack connection: %w", err)
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + websocketAcceptKey(key) + "\r\n\r\n"
	if _, err := rw.WriteString(response); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("write handshake: %w", err)
	}
	if err := rw.Flush(); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("flush handshake: %w", err)
	}
	return conn, rw, nil
}

func websocketAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func writeWebSocketJSON(conn net.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal stream payload: %w", err)
	}
	return writeWebSocketFrame(conn, data)
}

// writeWebSocketFrame writes a single unmasked text frame.
func writeWebSocketFrame(conn net.Conn, payload []byte) error {
	header := []byte{0x81}
	length := len(payload)
	switch {
	case length <= 125:
		header = append(header, byte(length))
	case length <= 0xFFFF:
		header = append(header, 126, byte(length>>8), byte(length))
	default:
		header = append(header, 127,
			byte(length>>56), byte(length>>48), byte(length>>40), byte(length>>32),
			byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	}

	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	if _, err := conn.Write(header); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func headerContainsToken(header http.Header, name, token string) bool {
	for _, value := range header.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
