package peer

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/textproto"
	"strings"
)

const wsAcceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// httpUpgradeState holds no fields: a partially-received HTTP/1.1
// Upgrade request accumulates in Peer.rbuf across non-blocking reads.
// Full HTTP/1.1 request-line and
// header parsing is delegated to net/http/net/textproto, the standard
// library's own wire-format parser, rather than a hand-rolled one.
type httpUpgradeState struct{}

// acceptWebSocketAccept computes the bit-exact Sec-WebSocket-Accept
// value for a client's Sec-WebSocket-Key:
// base64(SHA1(key + "258EAFA5-E914-47DA-95CA-C5AB0DC85B11")).
func acceptWebSocketAccept(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(wsAcceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// StepHTTP attempts to parse one complete HTTP/1.1 Upgrade request out
// of the peer's accumulated read buffer. It returns Again if the
// headers aren't fully buffered yet, OK (with Layer advanced to WS and
// the 101 response queued for write) on a successful upgrade, and
// CloseResult on any parse or protocol error: SHUTDOWN_WRITE with a
// minimal HTTP error body.
func (p *Peer) StepHTTP() (response []byte, res Result) {
	idx := bytes.Index(p.rbuf, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(p.rbuf) > maxHTTPUpgradeHeaderSize {
			return minimalHTTPError(http.StatusRequestHeaderFieldsTooLarge), CloseResult
		}
		return nil, Again
	}
	headerBytes := p.rbuf[:idx+4]
	p.rbuf = p.rbuf[idx+4:]

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(headerBytes)))
	if err != nil {
		return minimalHTTPError(http.StatusBadRequest), CloseResult
	}
	if !isWebSocketUpgrade(req.Header) {
		return minimalHTTPError(http.StatusUpgradeRequired), CloseResult
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return minimalHTTPError(http.StatusBadRequest), CloseResult
	}

	p.URL = req.URL.Path
	p.Layer = LayerWS

	accept := acceptWebSocketAccept(key)
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	buf.WriteString("Upgrade: websocket\r\n")
	buf.WriteString("Connection: Upgrade\r\n")
	buf.WriteString("Sec-WebSocket-Accept: " + accept + "\r\n\r\n")
	return buf.Bytes(), OK
}

func isWebSocketUpgrade(h http.Header) bool {
	return headerContainsToken(h, "Connection", "upgrade") &&
		strings.EqualFold(h.Get("Upgrade"), "websocket")
}

func headerContainsToken(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// maxHTTPUpgradeHeaderSize caps how many bytes a peer may send before
// completing its upgrade headers, so a slow or malicious client can't
// grow rbuf without bound.
const maxHTTPUpgradeHeaderSize = 8192

func minimalHTTPError(code int) []byte {
	text := http.StatusText(code)
	body := "ringsocket: " + text
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(textproto.TrimString(itoa(code)))
	buf.WriteByte(' ')
	buf.WriteString(text)
	buf.WriteString("\r\nConnection: close\r\nContent-Length: ")
	buf.WriteString(itoa(len(body)))
	buf.WriteString("\r\n\r\n")
	buf.WriteString(body)
	return buf.Bytes()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}
