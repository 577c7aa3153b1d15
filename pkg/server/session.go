package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aeolun/parley/pkg/database"
	"github.com/aeolun/parley/pkg/protocol"
)

type sessionState uint8

const (
	stateConnected sessionState = iota
	stateAwaitingAuth
	stateAuthenticated
	stateActive
	stateRejected
	stateClosed
)

var (
	errLockedOut       = errors.New("source address locked out")
	errBadCredentials  = errors.New("authentication failed")
	errConcurrentLogin = errors.New("username already has an active session")
	errSessionClosed   = errors.New("session closed by client")
)

// Session is one connected client. It owns the control channel the client
// opened and, after a successful handshake, the push channel the server
// dialed back. All writes to either socket happen on the session goroutine;
// the only other goroutine involved is the command reader.
type Session struct {
	id      uint64
	srv     *Server
	control net.Conn
	push    net.Conn
	reader  *bufio.Reader

	username      string
	remoteIP      string
	authenticated bool
	state         sessionState
}

// inbound carries one decoded command, or the error decoding it produced,
// from the reader goroutine to the session loop.
type inbound struct {
	cmd *protocol.Command
	err error
}

func (s *Server) newSession(conn net.Conn) *Session {
	sess := &Session{
		id:      atomic.AddUint64(&s.nextID, 1) - 1,
		srv:     s,
		control: conn,
		reader:  bufio.NewReader(conn),
		state:   stateConnected,
	}
	s.addSession(sess)
	return sess
}

// run drives the session through its lifetime: handshake, command/delivery
// loop, cleanup. It returns when the client disconnects, sends CLOSE, or
// the handshake rejects it.
func (sess *Session) run() {
	defer sess.closeConns()

	err := sess.handshake()
	if err == nil {
		err = sess.serve()
	}

	if sess.authenticated {
		sess.cleanup()
	}

	switch {
	case err == nil || errors.Is(err, errSessionClosed) || errors.Is(err, io.EOF):
		log.Printf("Session %d disconnected", sess.id)
	case errors.Is(err, errLockedOut) || errors.Is(err, errBadCredentials) || errors.Is(err, errConcurrentLogin):
		log.Printf("Session %d rejected: %v", sess.id, err)
	default:
		log.Printf("Session %d error: %v", sess.id, err)
	}
}

// handshake authenticates the connection per the wire protocol: init line,
// lockout gate, then username/password/pushPort lines. On success it claims
// presence, dials the push channel back to the client, announces the join
// and flushes any offline messages.
func (sess *Session) handshake() error {
	ip, err := hostOnly(sess.control.RemoteAddr())
	if err != nil {
		return err
	}
	sess.remoteIP = ip
	sess.state = stateAwaitingAuth

	// init signal
	if _, err := protocol.ReadLine(sess.reader); err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}

	if sess.srv.guard.Locked(ip) {
		sess.state = stateRejected
		protocol.WriteLine(sess.control, protocol.StatusErrAuthLockout)
		return errLockedOut
	}
	if err := protocol.WriteLine(sess.control, protocol.StatusAck); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}

	username, err := protocol.ReadLine(sess.reader)
	if err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	password, err := protocol.ReadLine(sess.reader)
	if err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	portLine, err := protocol.ReadLine(sess.reader)
	if err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}

	pushPort, err := strconv.Atoi(strings.TrimSpace(portLine))
	if err != nil || pushPort <= 0 || pushPort > 65535 {
		sess.state = stateRejected
		protocol.WriteLine(sess.control, protocol.StatusAuthFail)
		return fmt.Errorf("invalid push port %q", portLine)
	}

	result, err := sess.srv.db.Authenticate(username, password)
	if err != nil {
		protocol.WriteLine(sess.control, protocol.StatusAuthFail)
		return fmt.Errorf("authenticate: %w", err)
	}

	switch result {
	case database.AuthMismatched:
		sess.state = stateRejected
		sess.srv.metrics.RecordAuthFailure()
		if sess.srv.guard.Fail(ip) {
			sess.srv.metrics.RecordLockout()
			protocol.WriteLine(sess.control, protocol.StatusAuthLockout)
		} else {
			protocol.WriteLine(sess.control, protocol.StatusAuthFail)
		}
		return errBadCredentials

	case database.AuthCreated:
		log.Printf("Session %d registered new user %q", sess.id, username)
	}

	// The credential can exist before the registries know the name: a
	// racing first login commits the row, then this session sees a match
	// before the creator has tracked it. Track is idempotent, so both
	// outcomes track unconditionally and Claim never runs against an
	// untracked username.
	sess.srv.presence.Track(username)
	sess.srv.router.Track(username)

	if !sess.srv.presence.Claim(username) {
		sess.state = stateRejected
		protocol.WriteLine(sess.control, protocol.StatusErrConcurrent)
		return errConcurrentLogin
	}
	sess.username = username
	sess.authenticated = true
	sess.state = stateAuthenticated
	sess.srv.metrics.RecordAuthSuccess()

	if err := protocol.WriteLine(sess.control, protocol.StatusAuthGood); err != nil {
		sess.abortClaim()
		return fmt.Errorf("handshake write: %w", err)
	}

	push, err := sess.dialPush(ip, pushPort)
	if err != nil {
		sess.abortClaim()
		return err
	}
	sess.push = push

	debugLog.Printf("Session %d authenticated as %q, push channel %s", sess.id, username, push.RemoteAddr())

	sess.srv.announce(username, username+" has joined the chat room!")
	if err := sess.flushOffline(); err != nil {
		return err
	}

	sess.state = stateActive
	return nil
}

// abortClaim undoes a presence claim when the handshake fails after it but
// before the join was announced.
func (sess *Session) abortClaim() {
	sess.srv.presence.Release(sess.username)
	sess.authenticated = false
}

// dialPush opens the push channel by dialing the listener the client
// advertised. Attempts are bounded so a client that never accepts cannot
// pin the session in a dial loop.
func (sess *Session) dialPush(ip string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	attempts := sess.srv.config.DialBackAttempts
	delay := sess.srv.config.DialBackDelay

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		conn, err := net.DialTimeout("tcp", addr, delay)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-sess.srv.shutdown:
			return nil, errors.New("server shutting down")
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("push dial-back to %s failed after %d attempts: %w", addr, attempts, lastErr)
}

// flushOffline delivers every message queued while the user was offline,
// preceded by a server notice so the client knows a backlog follows.
func (sess *Session) flushOffline() error {
	pending := sess.srv.router.Drain(sess.username)
	if len(pending) == 0 {
		return nil
	}

	if err := protocol.WritePushFrame(sess.push, protocol.SenderServer, []byte("You have new direct messages: ")); err != nil {
		return fmt.Errorf("offline flush: %w", err)
	}
	for _, msg := range pending {
		if err := protocol.WritePushFrame(sess.push, msg.Sender, []byte(msg.Body)); err != nil {
			return fmt.Errorf("offline flush: %w", err)
		}
		sess.srv.metrics.RecordMessageDelivered()
	}
	sess.srv.metrics.RecordQueuedMessages(sess.srv.router.QueuedTotal())
	return nil
}

// serve is the ACTIVE loop. A reader goroutine decodes complete commands
// from the control channel; the session goroutine selects over inbound
// commands, the pending-queue wake signal and server shutdown, handling one
// command or delivering one queued message per iteration.
func (sess *Session) serve() error {
	in := make(chan inbound)
	done := make(chan struct{})
	defer close(done)

	go sess.readLoop(in, done)

	wake := sess.srv.router.Wake(sess.username)

	for {
		select {
		case msg := <-in:
			if msg.err != nil {
				if protocol.IsRecoverable(msg.err) {
					if err := sess.reportProtocolError(msg.err); err != nil {
						return err
					}
					continue
				}
				return msg.err
			}
			if err := sess.dispatch(msg.cmd); err != nil {
				return err
			}

		case <-wake:
			if err := sess.deliverOne(); err != nil {
				return err
			}

		case <-sess.srv.shutdown:
			return nil
		}
	}
}

// readLoop decodes commands off the control channel until a transport error
// or session teardown. Recoverable protocol errors are forwarded so the
// session can answer them; the loop keeps reading after them.
func (sess *Session) readLoop(in chan<- inbound, done <-chan struct{}) {
	for {
		cmd, err := protocol.ReadCommand(sess.reader)
		select {
		case in <- inbound{cmd: cmd, err: err}:
		case <-done:
			return
		}
		if err != nil && !protocol.IsRecoverable(err) {
			return
		}
	}
}

func (sess *Session) dispatch(cmd *protocol.Command) error {
	// The wire codec caps bodies at the protocol maximum; the configured
	// limit may be lower.
	if len(cmd.Body) > sess.srv.config.MaxBodyLength {
		return protocol.WriteLine(sess.control, protocol.StatusErrBadFrame)
	}

	switch cmd.Type {
	case protocol.CmdClose:
		return errSessionClosed

	case protocol.CmdMOTD:
		motd := sess.srv.config.MOTD
		if err := protocol.WriteLine(sess.control, strconv.Itoa(len(motd))); err != nil {
			return err
		}
		_, err := io.WriteString(sess.control, motd)
		return err

	case protocol.CmdQueryOnline:
		users := strings.Join(sess.srv.presence.Online(), ", ")
		return protocol.WriteBlock(sess.control, protocol.TagUsers, []byte(users))

	case protocol.CmdBroadcast:
		sess.broadcast(string(cmd.Body))
		return nil

	case protocol.CmdEmote:
		// The emote line carries a client-supplied name; the session's
		// authenticated identity is used instead so emotes cannot
		// impersonate other users.
		sess.broadcast(string(cmd.Body))
		return nil

	case protocol.CmdTell:
		if err := sess.srv.router.Unicast(sess.username, cmd.Receiver, string(cmd.Body)); err != nil {
			if errors.Is(err, ErrNoSuchUser) {
				return protocol.WriteLine(sess.control, protocol.StatusErrNoUser)
			}
			return err
		}
		sess.srv.metrics.RecordUnicast()
		sess.srv.metrics.RecordQueuedMessages(sess.srv.router.QueuedTotal())
		return protocol.WriteLine(sess.control, protocol.StatusAck)

	default:
		return protocol.WriteLine(sess.control, protocol.StatusErrBadCommand)
	}
}

func (sess *Session) broadcast(body string) {
	online := sess.srv.presence.Online()
	fanout := sess.srv.router.Broadcast(sess.username, sess.username, body, online)
	sess.srv.metrics.RecordBroadcast(fanout)
	sess.srv.metrics.RecordQueuedMessages(sess.srv.router.QueuedTotal())
}

// deliverOne forwards at most one pending message over the push channel,
// bounding per-iteration latency and interleaving delivery with command
// handling.
func (sess *Session) deliverOne() error {
	msg, ok := sess.srv.router.Pop(sess.username)
	if !ok {
		return nil
	}
	if err := protocol.WritePushFrame(sess.push, msg.Sender, []byte(msg.Body)); err != nil {
		return fmt.Errorf("push write: %w", err)
	}
	sess.srv.metrics.RecordMessageDelivered()
	sess.srv.metrics.RecordQueuedMessages(sess.srv.router.QueuedTotal())
	return nil
}

func (sess *Session) reportProtocolError(perr error) error {
	status := protocol.StatusErrBadFrame
	if errors.Is(perr, protocol.ErrUnknownCommand) {
		status = protocol.StatusErrBadCommand
	}
	debugLog.Printf("Session %d protocol error: %v", sess.id, perr)
	return protocol.WriteLine(sess.control, status)
}

// cleanup flips presence offline and announces the departure. Registry
// mutations happen under their own locks, so a session dying mid-command
// leaves shared state consistent.
func (sess *Session) cleanup() {
	sess.state = stateClosed
	sess.srv.presence.Release(sess.username)
	sess.srv.announce(sess.username, sess.username+" has left the chat room.")
}

func (sess *Session) closeConns() {
	sess.control.Close()
	if sess.push != nil {
		sess.push.Close()
	}
}

// announce queues a system notice to every online user except the one the
// notice is about.
func (s *Server) announce(about, text string) {
	online := s.presence.Online()
	s.router.Broadcast(protocol.SenderServer, about, text, online)
}

// hostOnly strips the port from a remote address.
func hostOnly(addr net.Addr) (string, error) {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", fmt.Errorf("failed to parse remote address %q: %w", addr.String(), err)
	}
	return host, nil
}
