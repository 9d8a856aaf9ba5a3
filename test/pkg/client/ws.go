package client

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// WSFrame is one server→client streaming frame.
type WSFrame struct {
	Channel string            `json:"channel"`
	Args    []json.RawMessage `json:"args"`
}

// WSConn is a minimal WebSocket client connection to the server's /ws
// endpoint: handshake, one masked text frame out (the subscribe
// request), unmasked text frames in. Close frames end the stream.
type WSConn struct {
	conn net.Conn
	r    *bufio.Reader
}

// DialWS connects to baseURL's /ws endpoint and performs the WebSocket
// handshake, passing token as the ?token= query parameter.
func DialWS(baseURL, token string) (*WSConn, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	host := u.Host
	if !strings.Contains(host, ":") {
		host += ":80"
	}

	conn, err := net.DialTimeout("tcp", host, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host, err)
	}

	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		_ = conn.Close()
		return nil, err
	}
	key := base64.StdEncoding.EncodeToString(keyBytes)

	path := "/ws"
	if token != "" {
		path += "?token=" + url.QueryEscape(token)
	}
	req := fmt.Sprintf("GET %s HTTP/1.1\r\n"+
		"Host: %s\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: %s\r\n"+
		"Sec-WebSocket-Version: 13\r\n\r\n", path, u.Host, key)
	if _, err := conn.Write([]byte(req)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write handshake: %w", err)
	}

	r := bufio.NewReader(conn)
	status, err := r.ReadString('\n')
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read handshake status: %w", err)
	}
	if !strings.Contains(status, "101") {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake rejected: %s", strings.TrimSpace(status))
	}
	// Drain headers.
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("read handshake headers: %w", err)
		}
		if line == "\r\n" {
			break
		}
	}

	return &WSConn{conn: conn, r: r}, nil
}

// Subscribe sends the subscribe request as the first client frame.
// workspaceID is empty for the metadata channel.
func (c *WSConn) Subscribe(channel, workspaceID string) error {
	payload, err := json.Marshal(map[string]any{
		"type":        "subscribe",
		"channel":     channel,
		"workspaceId": workspaceID,
		"afterIndex":  -1,
	})
	if err != nil {
		return err
	}
	return c.writeTextFrame(payload)
}

// ReadFrame reads the next server frame, failing after timeout.
func (c *WSConn) ReadFrame(timeout time.Duration) (*WSFrame, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	for {
		opcode, payload, err := c.readRawFrame()
		if err != nil {
			return nil, err
		}
		switch opcode {
		case 0x1: // text
			var frame WSFrame
			if err := json.Unmarshal(payload, &frame); err != nil {
				return nil, fmt.Errorf("parse frame %q: %w", string(payload), err)
			}
			return &frame, nil
		case 0x8: // close
			return nil, fmt.Errorf("connection closed by server")
		case 0x9: // ping -> pong
			if err := c.writeFrame(0xA, payload); err != nil {
				return nil, err
			}
		default:
			// Ignore pongs and anything else.
		}
	}
}

// Close sends a close frame and tears down the connection.
func (c *WSConn) Close() error {
	_ = c.writeFrame(0x8, nil)
	return c.conn.Close()
}

func (c *WSConn) writeTextFrame(payload []byte) error {
	return c.writeFrame(0x1, payload)
}

// writeFrame writes one masked client frame (clients MUST mask).
func (c *WSConn) writeFrame(opcode byte, payload []byte) error {
	var header []byte
	header = append(header, 0x80|opcode)

	n := len(payload)
	switch {
	case n < 126:
		header = append(header, 0x80|byte(n))
	case n < 65536:
		header = append(header, 0x80|126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		header = append(header, ext[:]...)
	default:
		header = append(header, 0x80|127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		header = append(header, ext[:]...)
	}

	var mask [4]byte
	if _, err := rand.Read(mask[:]); err != nil {
		return err
	}
	header = append(header, mask[:]...)

	masked := make([]byte, n)
	for i, b := range payload {
		masked[i] = b ^ mask[i%4]
	}

	if _, err := c.conn.Write(header); err != nil {
		return err
	}
	_, err := c.conn.Write(masked)
	return err
}

func (c *WSConn) readRawFrame() (byte, []byte, error) {
	var head [2]byte
	if _, err := readFull(c.r, head[:]); err != nil {
		return 0, nil, err
	}
	opcode := head[0] & 0x0F
	masked := head[1]&0x80 != 0
	length := uint64(head[1] & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err := readFull(c.r, ext[:]); err != nil {
			return 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := readFull(c.r, ext[:]); err != nil {
			return 0, nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	var mask [4]byte
	if masked {
		if _, err := readFull(c.r, mask[:]); err != nil {
			return 0, nil, err
		}
	}

	payload := make([]byte, length)
	if _, err := readFull(c.r, payload); err != nil {
		return 0, nil, err
	}
	if masked {
		for i := range payload {
			payload[i] ^= mask[i%4]
		}
	}
	return opcode, payload, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
