package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// MaxBodyLength is the maximum accepted payload size (1 MB)
	MaxBodyLength = 1024 * 1024

	// SenderServer is the sender name used for system notices on the push channel
	SenderServer = "SERVER"
)

// Handshake and status lines (control channel, server → client)
const (
	LineInit              = "init"
	StatusAck             = "ACK"
	StatusAuthGood        = "AUTH_GOOD"
	StatusAuthFail        = "AUTH_FAIL"
	StatusAuthLockout     = "AUTH_LOCKOUT"
	StatusErrAuthLockout  = "ERR_AUTH_LOCKOUT"
	StatusErrConcurrent   = "ERR_CONCURRENT_CONNECTION"
	StatusErrNoUser       = "ERR_NOUSER"
	StatusErrBadFrame     = "ERR_BADFRAME"
	StatusErrBadCommand   = "ERR_BADCMD"
)

// Command tags (control channel, client → server)
const (
	TagBroadcast   = "MSG_BROADCAST"
	TagTell        = "MSG_TELL"
	TagQueryOnline = "QUERY_ONLINE_USERS"
	TagMOTD        = "MOTD"
	TagClose       = "CLOSE"
	TagEmote       = "/me"
	TagUsers       = "USERS"
)

var (
	ErrBadLength      = errors.New("malformed length prefix")
	ErrBodyTooLarge   = errors.New("body exceeds maximum size (1 MB)")
	ErrUnknownCommand = errors.New("unknown command tag")
	ErrBadTellPayload = errors.New("malformed tell payload")
	ErrBadPushHeader  = errors.New("malformed push frame header")
)

// CommandType identifies a decoded control-channel command.
type CommandType uint8

const (
	CmdBroadcast CommandType = iota
	CmdTell
	CmdQueryOnline
	CmdMOTD
	CmdEmote
	CmdClose
)

// Command is one fully decoded control-channel command, including any
// length-prefixed payload that followed the header line.
type Command struct {
	Type     CommandType
	Body     []byte // broadcast/emote body, or tell message text
	Receiver string // tell only
}

// ReadLine reads a single newline-terminated line, stripping the trailing
// newline and any carriage return.
func ReadLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// WriteLine writes a single newline-terminated line.
func WriteLine(w io.Writer, line string) error {
	_, err := io.WriteString(w, line+"\n")
	return err
}

// WriteBlock writes a "<TAG>:<len>\n" header followed by exactly len(body)
// raw bytes. A zero-length body writes the header only.
func WriteBlock(w io.Writer, tag string, body []byte) error {
	if len(body) > MaxBodyLength {
		return ErrBodyTooLarge
	}
	if _, err := fmt.Fprintf(w, "%s:%d\n", tag, len(body)); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// parseLength parses the byte-length portion of a header line.
func parseLength(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, ErrBadLength
	}
	return n, nil
}

// readBody reads exactly n raw bytes following a header line. An oversize
// body is consumed and discarded before the recoverable error returns;
// the client already wrote those bytes, so skipping them keeps the stream
// aligned on the next command header.
func readBody(r *bufio.Reader, n int) ([]byte, error) {
	if n > MaxBodyLength {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return nil, err
		}
		return nil, ErrBodyTooLarge
	}
	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// ReadCommand reads one complete command from the control channel: the
// header line plus any raw payload bytes its length prefix announces.
// Recoverable protocol errors (ErrBadLength, ErrBodyTooLarge,
// ErrUnknownCommand, ErrBadTellPayload) leave the connection usable;
// anything else is a transport error.
func ReadCommand(r *bufio.Reader) (*Command, error) {
	line, err := ReadLine(r)
	if err != nil {
		return nil, err
	}

	switch {
	case line == TagClose:
		return &Command{Type: CmdClose}, nil

	case strings.HasPrefix(line, TagQueryOnline):
		return &Command{Type: CmdQueryOnline}, nil

	case strings.HasPrefix(line, TagMOTD):
		return &Command{Type: CmdMOTD}, nil

	case strings.HasPrefix(line, TagBroadcast+":"):
		n, err := parseLength(line[len(TagBroadcast)+1:])
		if err != nil {
			return nil, err
		}
		body, err := readBody(r, n)
		if err != nil {
			return nil, err
		}
		return &Command{Type: CmdBroadcast, Body: body}, nil

	case strings.HasPrefix(line, TagTell+":"):
		n, err := parseLength(line[len(TagTell)+1:])
		if err != nil {
			return nil, err
		}
		payload, err := readBody(r, n)
		if err != nil {
			return nil, err
		}
		receiver, body, err := DecodeTell(payload)
		if err != nil {
			return nil, err
		}
		return &Command{Type: CmdTell, Receiver: receiver, Body: body}, nil

	case strings.HasPrefix(line, TagEmote+": "):
		// "/me: <len>:<name>" followed by <len> bytes of emote text. The
		// trailing name is advisory; the server substitutes the session's
		// authenticated username.
		rest := line[len(TagEmote)+2:]
		colon := strings.IndexByte(rest, ':')
		if colon < 0 {
			return nil, ErrBadLength
		}
		n, err := parseLength(rest[:colon])
		if err != nil {
			return nil, err
		}
		body, err := readBody(r, n)
		if err != nil {
			return nil, err
		}
		return &Command{Type: CmdEmote, Body: body}, nil

	default:
		return nil, ErrUnknownCommand
	}
}

// IsRecoverable reports whether err is a protocol error the session can
// report on the control channel and survive, as opposed to a transport error.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrBadLength) ||
		errors.Is(err, ErrBodyTooLarge) ||
		errors.Is(err, ErrUnknownCommand) ||
		errors.Is(err, ErrBadTellPayload)
}

// EncodeTell builds a MSG_TELL payload: "<recvLen>:<recv><msg>".
func EncodeTell(receiver string, body []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d:%s", len(receiver), receiver)
	buf.Write(body)
	return buf.Bytes()
}

// DecodeTell splits a MSG_TELL payload into receiver and message text.
func DecodeTell(payload []byte) (string, []byte, error) {
	colon := bytes.IndexByte(payload, ':')
	if colon < 0 {
		return "", nil, ErrBadTellPayload
	}
	nameLen, err := strconv.Atoi(string(payload[:colon]))
	if err != nil || nameLen < 0 || colon+1+nameLen > len(payload) {
		return "", nil, ErrBadTellPayload
	}
	receiver := string(payload[colon+1 : colon+1+nameLen])
	if receiver == "" {
		return "", nil, ErrBadTellPayload
	}
	return receiver, payload[colon+1+nameLen:], nil
}

// WritePushFrame writes one push-channel frame: "<len>:<sender>\n" followed
// by exactly len bytes of message body.
func WritePushFrame(w io.Writer, sender string, body []byte) error {
	if len(body) > MaxBodyLength {
		return ErrBodyTooLarge
	}
	if _, err := fmt.Fprintf(w, "%d:%s\n", len(body), sender); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// ReadPushFrame reads one push-channel frame and returns the sender and body.
func ReadPushFrame(r *bufio.Reader) (string, []byte, error) {
	line, err := ReadLine(r)
	if err != nil {
		return "", nil, err
	}
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return "", nil, ErrBadPushHeader
	}
	n, err := parseLength(line[:colon])
	if err != nil {
		return "", nil, ErrBadPushHeader
	}
	sender := line[colon+1:]
	body, err := readBody(r, n)
	if err != nil {
		return "", nil, err
	}
	return sender, body, nil
}
