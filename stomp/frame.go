package stomp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// STOMP 1.2 commands used by the client and expected from the broker.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdDisconnect  = "DISCONNECT"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

// Well-known frame headers.
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrHeartBeat     = "heart-beat"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrSubscription  = "subscription"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrMessage       = "message"
	HdrMessageID     = "message-id"
)

// heartbeatPayload is a lone EOL, which the protocol defines as a
// heart-beat rather than a frame.
var heartbeatPayload = []byte("\n")

// Frame is one discrete protocol unit exchanged over the transport.
// Header order is preserved because repeated headers keep their first
// occurrence on read.
type Frame struct {
	Command string
	headers []string // flat key, value pairs
	Body    []byte
}

func NewFrame(command string, body []byte) *Frame {
	return &Frame{Command: command, Body: body}
}

// Set appends the header, replacing an existing value for the same key.
func (f *Frame) Set(key, value string) *Frame {
	for i := 0; i < len(f.headers); i += 2 {
		if f.headers[i] == key {
			f.headers[i+1] = value
			return f
		}
	}
	f.headers = append(f.headers, key, value)
	return f
}

// Header returns the first value for key, per the protocol's repeated
// header rule.
func (f *Frame) Header(key string) (string, bool) {
	for i := 0; i < len(f.headers); i += 2 {
		if f.headers[i] == key {
			return f.headers[i+1], true
		}
	}
	return "", false
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Command: %s, Headers: %d, Body.Size: %d}", f.Command, len(f.headers)/2, len(f.Body))
}

// escapesHeaders reports whether header values of the frame are subject
// to escaping. CONNECT and CONNECTED are exempt for 1.0 compatibility.
func escapesHeaders(command string) bool {
	return command != CmdConnect && command != CmdConnected
}

var headerEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\r", `\r`,
	"\n", `\n`,
	":", `\c`,
)

func escapeHeader(v string) string {
	return headerEscaper.Replace(v)
}

func unescapeHeader(v string) (string, error) {
	if !strings.ContainsRune(v, '\\') {
		return v, nil
	}
	var sb strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' {
			sb.WriteByte(v[i])
			continue
		}
		i++
		if i >= len(v) {
			return "", fmt.Errorf("dangling escape in header %q", v)
		}
		switch v[i] {
		case '\\':
			sb.WriteByte('\\')
		case 'r':
			sb.WriteByte('\r')
		case 'n':
			sb.WriteByte('\n')
		case 'c':
			sb.WriteByte(':')
		default:
			return "", fmt.Errorf("undefined escape \\%c in header %q", v[i], v)
		}
	}
	return sb.String(), nil
}

// Marshal renders the frame in wire form: command line, header lines, a
// blank line, then the body terminated by a NUL octet.
func (f *Frame) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	escape := escapesHeaders(f.Command)
	for i := 0; i < len(f.headers); i += 2 {
		k, v := f.headers[i], f.headers[i+1]
		if escape {
			k, v = escapeHeader(k), escapeHeader(v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		buf.WriteString(HdrContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Unmarshal parses a single wire frame. A lone EOL yields (nil, nil):
// a heart-beat, not a frame.
func Unmarshal(data []byte) (*Frame, error) {
	if isHeartbeat(data) {
		return nil, nil
	}

	head, body, found := cutHeaderBlock(data)
	if !found {
		return nil, fmt.Errorf("frame without header terminator")
	}

	lines := strings.Split(strings.TrimSuffix(string(head), "\r"), "\n")
	command := strings.TrimSuffix(lines[0], "\r")
	if command == "" {
		return nil, fmt.Errorf("frame without command")
	}

	f := NewFrame(command, nil)
	escape := escapesHeaders(command)
	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		if escape {
			var err error
			if k, err = unescapeHeader(k); err != nil {
				return nil, err
			}
			if v, err = unescapeHeader(v); err != nil {
				return nil, err
			}
		}
		// repeated headers: first occurrence wins
		if _, exists := f.Header(k); !exists {
			f.Set(k, v)
		}
	}

	if cl, ok := f.Header(HdrContentLength); ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid content-length %q", cl)
		}
		if n > len(body) {
			return nil, fmt.Errorf("content-length %d exceeds body size %d", n, len(body))
		}
		f.Body = body[:n]
	} else {
		nul := bytes.IndexByte(body, 0)
		if nul == -1 {
			return nil, fmt.Errorf("frame without NUL terminator")
		}
		f.Body = body[:nul]
	}
	if len(f.Body) == 0 {
		f.Body = nil
	}
	return f, nil
}

// cutHeaderBlock splits the frame at the blank line ending the header
// block. Either side of the blank line may use LF or CRLF, per the
// protocol's EOL rule.
func cutHeaderBlock(data []byte) (head, body []byte, found bool) {
	for i := 0; i < len(data); i++ {
		if data[i] != '\n' {
			continue
		}
		rest := data[i+1:]
		if len(rest) > 0 && rest[0] == '\n' {
			return data[:i], rest[1:], true
		}
		if len(rest) > 1 && rest[0] == '\r' && rest[1] == '\n' {
			return data[:i], rest[2:], true
		}
	}
	return nil, nil, false
}

func isHeartbeat(data []byte) bool {
	return len(data) == 0 ||
		bytes.Equal(data, []byte("\n")) ||
		bytes.Equal(data, []byte("\r\n"))
}

// heartbeat holds the client-send and client-expect intervals in
// milliseconds, as carried in the heart-beat header.
type heartbeat struct {
	sendMS    int
	receiveMS int
}

func (h heartbeat) String() string {
	return fmt.Sprintf("%d,%d", h.sendMS, h.receiveMS)
}

func parseHeartbeat(v string) (heartbeat, error) {
	sx, sy, ok := strings.Cut(v, ",")
	if !ok {
		return heartbeat{}, fmt.Errorf("malformed heart-beat %q", v)
	}
	send, err := strconv.Atoi(strings.TrimSpace(sx))
	if err != nil || send < 0 {
		return heartbeat{}, fmt.Errorf("malformed heart-beat %q", v)
	}
	receive, err := strconv.Atoi(strings.TrimSpace(sy))
	if err != nil || receive < 0 {
		return heartbeat{}, fmt.Errorf("malformed heart-beat %q", v)
	}
	return heartbeat{sendMS: send, receiveMS: receive}, nil
}

// negotiate resolves the effective intervals from both sides' headers.
// The client sends at max(client-send, server-expect) and must hear from
// the server within max(client-expect, server-send); zero on either side
// of a direction disables it.
func negotiate(client, server heartbeat) (send, receive int) {
	if client.sendMS != 0 && server.receiveMS != 0 {
		send = max(client.sendMS, server.receiveMS)
	}
	if client.receiveMS != 0 && server.sendMS != 0 {
		receive = max(client.receiveMS, server.sendMS)
	}
	return send, receive
}
