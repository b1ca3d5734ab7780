// Package wire defines the pipe-delimited text messages exchanged with
// senders and master clients over the broker's stream transport.
package wire

import (
	"fmt"
	"strings"
)

const (
	// OpenScreenToken is the command token that tells a master client to
	// raise its alert screen.
	OpenScreenToken = "ABRIR_TELA"

	// PingToken is sent by the server to probe a session's liveness.
	PingToken = "PING"

	// PongToken is the expected reply to a ping.
	PongToken = "PONG"

	// masterClientMarker identifies master clients by hostname convention.
	masterClientMarker = "RECEPTOR"
)

// ErrMalformed is returned by Parse when a line does not match any known
// message shape. The parser fails closed: wrong arity or empty fields are
// rejected rather than guessed at.
var ErrMalformed = fmt.Errorf("wire: malformed message")

// Message is one inbound message from a peer. Exactly one concrete type
// implements it per message shape.
type Message interface {
	kind() string
}

// Registration is the first line on a new connection: the peer's bare
// identifier (hostname).
type Registration struct {
	Identifier string
}

// Alert is a panic alert submission from a sender.
type Alert struct {
	Hostname string
	Code     string
	Username string
}

// Pong is a liveness reply to a server ping.
type Pong struct{}

func (Registration) kind() string { return "registration" }
func (Alert) kind() string        { return "alert" }
func (Pong) kind() string         { return "pong" }

// Parse decodes one line received from a peer.
//
// A line containing no pipe is either a pong or a registration identifier.
// A line with pipes must be exactly the three-field alert form
// "<hostname>|<code>|<username>" with no empty fields.
func Parse(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, fmt.Errorf("%w: empty line", ErrMalformed)
	}

	if !strings.Contains(line, "|") {
		if line == PongToken {
			return Pong{}, nil
		}
		return Registration{Identifier: line}, nil
	}

	parts := strings.Split(line, "|")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 fields, got %d", ErrMalformed, len(parts))
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("%w: empty field", ErrMalformed)
		}
	}

	return Alert{
		Hostname: parts[0],
		Code:     parts[1],
		Username: parts[2],
	}, nil
}

// EncodeOpenScreen builds the outbound command sent to master clients when
// an alert fires: "ABRIR_TELA|<room>|<code>|<username>".
func EncodeOpenScreen(room, code, username string) []byte {
	return []byte(OpenScreenToken + "|" + room + "|" + code + "|" + username + "\n")
}

// EncodePing builds the liveness probe line.
func EncodePing() []byte {
	return []byte(PingToken + "\n")
}

// IsMasterClient reports whether an identifier names a master client
// (receiver station) under the hostname naming convention.
func IsMasterClient(identifier string) bool {
	return strings.Contains(strings.ToUpper(identifier), masterClientMarker)
}
