package session

import (
	"strconv"
	"strings"
	"time"

	"blitiri.com.ar/go/mailward/internal/auth"
)

// State is the session's position in the SMTP dialog.
type State int

// Session states, in the order a well-behaved dialog walks through them.
const (
	StateIdle State = iota
	StateGreeted
	StateMailFrom
	StateRcpt
	StateData
	StateDataReceived
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateGreeted:
		return "Greeted"
	case StateMailFrom:
		return "MailFrom"
	case StateRcpt:
		return "Rcpt"
	case StateData:
		return "Data"
	case StateDataReceived:
		return "DataReceived"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Action tells the driver what transport-level thing to do after writing a
// Response's reply lines.
type Action int

// Actions a Response can request of the driver.
const (
	// ActionReply writes the reply and keeps the connection as-is.
	ActionReply Action = iota

	// ActionReplyAndClose writes the reply, then closes the connection.
	ActionReplyAndClose

	// ActionReplyAndUpgradeTLS writes the reply, then the driver must
	// perform a server-side TLS handshake in place and rebuild its
	// buffered I/O atop the new transport.
	ActionReplyAndUpgradeTLS

	// ActionNoReply means no bytes should be written; the driver skips the
	// write. Step in this package never returns it.
	ActionNoReply

	// ActionReplyThenAwaitData means: write the reply (354), then switch
	// the driver into data-accumulation mode, feeding subsequent lines to
	// Session.DataLine until it reports the message is complete.
	ActionReplyThenAwaitData
)

// Response is what Step returns: a reply code, the reply text (one
// string per line of a possibly multi-line reply), and the transport
// action the driver must take once the reply has been written.
type Response struct {
	Code   int
	Lines  []string
	Action Action
}

func reply(code int, action Action, lines ...string) Response {
	return Response{Code: code, Lines: lines, Action: action}
}

// Config holds the policy knobs the state machine consults; it does not
// change over a session's lifetime.
type Config struct {
	// LocalName is the server's advertised FQDN, used in the HELO/EHLO
	// reply. The session does not write the greeting; the driver does.
	LocalName string

	// MaxMessageSize caps the DATA phase's accumulated octet count. 0
	// means unlimited.
	MaxMessageSize int64

	// TLSAvailable indicates the driver can perform a STARTTLS upgrade.
	TLSAvailable bool

	// AllowPlainAuth allows AUTH to be advertised and accepted without TLS.
	// Default false: AUTH requires TLS first.
	AllowPlainAuth bool

	// AdvertiseSMTPUTF8 adds the SMTPUTF8 capability to EHLO responses.
	AdvertiseSMTPUTF8 bool
}

type authPhase int

const (
	authNone authPhase = iota
	authInProgress
	authAuthenticated
)

// loginStep tracks which half of an AUTH LOGIN exchange is pending.
type loginStep int

const (
	loginExpectUser loginStep = iota
	loginExpectPass
)

// AuthState describes the session's authentication progress.
type AuthState struct {
	Phase    authPhase
	Mechanism string
	Identity  string
}

// Authenticated reports whether the session completed AUTH successfully.
func (a AuthState) Authenticated() bool { return a.Phase == authAuthenticated }

// Session is a per-connection protocol-state record. It performs no I/O:
// the driver feeds it parsed Commands and raw DATA lines, and consumes the
// Response values it returns.
type Session struct {
	RemoteIP     string
	LocalName    string
	State        State
	HeloName     string
	IsESMTP      bool
	ReversePath  string
	HasReverse   bool
	ForwardPaths []string
	Auth         AuthState
	TLSActive    bool
	StartTime    time.Time
	IdleSince    time.Time

	Config  Config
	Handler Handler

	authFailures int
	forceClose   bool
	loginUser    string
	loginAt      loginStep

	dataOctets   int64
	dataOverflow bool
	dataIs8Bit   bool
}

// New creates a fresh Session, idle, ready for a connection's greeting.
func New(remoteIP string, cfg Config, h Handler) *Session {
	if h == nil {
		h = NopHandler{}
	}
	return &Session{
		RemoteIP:  remoteIP,
		LocalName: cfg.LocalName,
		State:     StateIdle,
		Config:    cfg,
		Handler:   h,
	}
}

// AwaitingAuthResponse reports whether the next line from the client should
// be parsed as a bare AUTH continuation (ParseCommand's awaitingAuthResponse
// argument) rather than as a new command.
func (s *Session) AwaitingAuthResponse() bool {
	return s.Auth.Phase == authInProgress
}

// Step advances the session's state machine by one command. It performs no
// I/O; the caller must write Response.Lines to the wire per Response.Action.
func (s *Session) Step(cmd Command) Response {
	if s.forceClose {
		s.forceClose = false
		s.State = StateClosed
		return reply(421, ActionReplyAndClose,
			"4.7.0 too many authentication failures")
	}

	if cmd.Kind == CmdInvalid {
		return s.invalidReply(cmd)
	}

	// Commands legal from any state.
	switch cmd.Kind {
	case CmdNOOP:
		return reply(250, ActionReply, "2.0.0 OK")
	case CmdQUIT:
		s.State = StateClosed
		return reply(221, ActionReplyAndClose, "2.0.0 closing connection")
	case CmdRSET:
		s.resetEnvelope()
		if s.State != StateIdle {
			s.State = StateGreeted
		}
		return reply(250, ActionReply, "2.0.0 OK")
	}

	if s.State == StateIdle {
		switch cmd.Kind {
		case CmdHELO, CmdEHLO:
			// handled below
		default:
			return reply(503, ActionReply, "5.5.1 send HELO/EHLO first")
		}
	}

	switch cmd.Kind {
	case CmdHELO:
		return s.doHELO(cmd, false)
	case CmdEHLO:
		return s.doHELO(cmd, true)
	case CmdSTARTTLS:
		return s.doSTARTTLS()
	case CmdAUTH:
		return s.doAUTHStart(cmd)
	case CmdAuthResponse:
		return s.doAUTHContinue(cmd)
	case CmdMAIL:
		return s.doMAIL(cmd)
	case CmdRCPT:
		return s.doRCPT(cmd)
	case CmdDATA:
		return s.doDATAStart()
	case CmdVRFY:
		return reply(252, ActionReply,
			"2.5.0 cannot VRFY user, but will accept message and attempt delivery")
	default:
		return reply(500, ActionReply, "5.5.1 unrecognized command")
	}
}

func (s *Session) invalidReply(cmd Command) Response {
	switch cmd.Invalid {
	case InvalidUnknownVerb:
		return reply(500, ActionReply, "5.5.1 unknown command")
	case InvalidTooLong:
		return reply(500, ActionReply, "5.5.1 line too long")
	case InvalidNonASCII:
		return reply(500, ActionReply, "5.5.1 non-ASCII command")
	case InvalidBadMailbox:
		return reply(501, ActionReply, "5.1.3 malformed mailbox address")
	case InvalidBadParameter:
		return reply(501, ActionReply, "5.5.4 malformed ESMTP parameter")
	default:
		return reply(501, ActionReply, "5.5.2 syntax error")
	}
}

func (s *Session) doHELO(cmd Command, esmtp bool) Response {
	v := s.Handler.HELO(s.RemoteIP, cmd.Domain)
	if !v.ok {
		return reply(v.code, ActionReply, v.message)
	}

	s.resetEnvelope()
	s.HeloName = cmd.Domain
	s.IsESMTP = esmtp
	s.State = StateGreeted

	if !esmtp {
		return reply(250, ActionReply, s.LocalName+" Hello "+cmd.Domain)
	}

	lines := []string{s.LocalName + " Hello " + cmd.Domain}
	lines = append(lines, "PIPELINING", "8BITMIME")
	if s.Config.AdvertiseSMTPUTF8 {
		lines = append(lines, "SMTPUTF8")
	}
	if s.Config.MaxMessageSize > 0 {
		lines = append(lines, "SIZE "+strconv.FormatInt(s.Config.MaxMessageSize, 10))
	} else {
		lines = append(lines, "SIZE 0")
	}
	if s.Config.TLSAvailable && !s.TLSActive {
		lines = append(lines, "STARTTLS")
	}
	if s.TLSActive || s.Config.AllowPlainAuth {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	return reply(250, ActionReply, lines...)
}

func (s *Session) doSTARTTLS() Response {
	if s.TLSActive {
		return reply(503, ActionReply, "5.5.1 already using TLS")
	}
	if !s.Config.TLSAvailable {
		return reply(454, ActionReply, "4.7.0 TLS not available")
	}
	return reply(220, ActionReplyAndUpgradeTLS, "2.0.0 ready to start TLS")
}

// CompleteTLSUpgrade is called by the driver once the TLS handshake
// succeeds, per the sticky tls_active invariant and the requirement that
// the session resets to Idle with an empty command buffer.
func (s *Session) CompleteTLSUpgrade() {
	s.resetEnvelope()
	s.HeloName = ""
	s.IsESMTP = false
	s.TLSActive = true
	s.State = StateIdle
}

func (s *Session) doAUTHStart(cmd Command) Response {
	if !s.TLSActive && !s.Config.AllowPlainAuth {
		return reply(503, ActionReply, "5.7.10 must issue STARTTLS first")
	}
	if s.Auth.Authenticated() {
		return reply(503, ActionReply, "5.5.1 already authenticated")
	}

	switch cmd.AuthMech {
	case "PLAIN":
		if cmd.HasInitial {
			return s.finishPlain(cmd.AuthInitial)
		}
		s.Auth.Phase = authInProgress
		s.Auth.Mechanism = "PLAIN"
		return reply(334, ActionReply, "")
	case "LOGIN":
		s.Auth.Phase = authInProgress
		s.Auth.Mechanism = "LOGIN"
		s.loginAt = loginExpectUser
		return reply(334, ActionReply, "VXNlcm5hbWU6")
	default:
		return reply(504, ActionReply, "5.5.4 unsupported authentication mechanism")
	}
}

func (s *Session) doAUTHContinue(cmd Command) Response {
	switch s.Auth.Mechanism {
	case "PLAIN":
		return s.finishPlain(cmd.Line)
	case "LOGIN":
		return s.stepLogin(cmd.Line)
	default:
		s.Auth.Phase = authNone
		return reply(501, ActionReply, "5.5.2 unexpected AUTH continuation")
	}
}

func (s *Session) stepLogin(b64 string) Response {
	raw, err := decodeBase64(b64)
	if err != nil {
		s.Auth.Phase = authNone
		return reply(501, ActionReply, "5.5.2 invalid base64 response")
	}

	if s.loginAt == loginExpectUser {
		s.loginUser = string(raw)
		s.loginAt = loginExpectPass
		return reply(334, ActionReply, "UGFzc3dvcmQ6")
	}

	s.Auth.Phase = authNone
	return s.authVerdict(s.Handler.AuthLogin(s.loginUser, string(raw)), s.loginUser)
}

func (s *Session) finishPlain(b64 string) Response {
	user, domain, pass, err := auth.DecodeResponse(b64)
	s.Auth.Phase = authNone
	if err != nil {
		return reply(501, ActionReply, "5.5.2 "+err.Error())
	}

	identity := user
	if domain != "" {
		identity = user + "@" + domain
	}
	return s.authVerdict(s.Handler.AuthPlain(identity, user, pass), identity)
}

func (s *Session) authVerdict(v Verdict, identity string) Response {
	if v.ok {
		s.authFailures = 0
		s.Auth.Phase = authAuthenticated
		s.Auth.Identity = identity
		return reply(235, ActionReply, "2.7.0 authentication successful")
	}

	s.authFailures++
	if s.authFailures >= 3 {
		s.forceClose = true
	}
	code := v.code
	if code == 0 {
		code = 535
	}
	msg := v.message
	if msg == "" {
		msg = "5.7.8 authentication failed"
	}
	return reply(code, ActionReply, msg)
}

func (s *Session) doMAIL(cmd Command) Response {
	if s.State != StateGreeted {
		return reply(503, ActionReply, "5.5.1 send HELO/EHLO first")
	}

	from := cmd.Path
	if s.Config.MaxMessageSize > 0 {
		if size, ok := SizeParam(cmd.Params); ok && size > s.Config.MaxMessageSize {
			return reply(552, ActionReply, "5.3.4 declared message size exceeds limit")
		}
	}

	v := s.Handler.MAIL(s.RemoteIP, s.HeloName, from)
	if !v.ok {
		return reply(v.code, ActionReply, v.message)
	}

	s.ReversePath = from
	s.HasReverse = true
	s.ForwardPaths = nil
	s.dataIs8Bit = strings.EqualFold(cmd.Params["BODY"], "8BITMIME")
	s.State = StateMailFrom
	return reply(250, ActionReply, "2.1.0 OK")
}

func (s *Session) doRCPT(cmd Command) Response {
	if s.State != StateMailFrom && s.State != StateRcpt {
		return reply(503, ActionReply, "5.5.1 send MAIL first")
	}

	v := s.Handler.RCPT(cmd.Path)
	if !v.ok {
		return reply(v.code, ActionReply, v.message)
	}

	s.ForwardPaths = append(s.ForwardPaths, cmd.Path)
	s.State = StateRcpt
	return reply(250, ActionReply, "2.1.5 OK")
}

func (s *Session) doDATAStart() Response {
	if s.State != StateRcpt || len(s.ForwardPaths) == 0 {
		return reply(503, ActionReply, "5.5.1 need a recipient first")
	}

	s.State = StateData
	s.dataOctets = 0
	s.dataOverflow = false

	s.Handler.DataStart(s.HeloName, s.ReversePath, s.dataIs8Bit, s.ForwardPaths)
	return reply(354, ActionReplyThenAwaitData, "start mail input; end with <CRLF>.<CRLF>")
}

// DataLine feeds one CRLF-stripped line of the DATA phase to the session.
// It returns a non-nil Response exactly when the message is complete (the
// lone "." terminator line was seen), at which point the session has
// already returned to StateGreeted.
func (s *Session) DataLine(line []byte) *Response {
	if string(line) == "." {
		return s.endData()
	}

	unstuffed := line
	if len(line) > 0 && line[0] == '.' {
		unstuffed = line[1:]
	}

	s.dataOctets += int64(len(unstuffed)) + 2 // account for the CRLF
	if s.Config.MaxMessageSize > 0 && s.dataOctets > s.Config.MaxMessageSize {
		s.dataOverflow = true
	}
	if !s.dataOverflow {
		s.Handler.DataLine(unstuffed)
	}
	return nil
}

func (s *Session) endData() *Response {
	s.State = StateDataReceived

	var resp Response
	if s.dataOverflow {
		resp = reply(552, ActionReply, "5.3.4 message too large")
	} else {
		v := s.Handler.DataEnd()
		code := v.code
		if code == 0 {
			code = 250
		}
		msg := v.message
		if msg == "" {
			msg = "2.0.0 OK: queued"
		}
		resp = reply(code, ActionReply, msg)
	}

	s.resetEnvelope()
	s.State = StateGreeted
	return &resp
}

func (s *Session) resetEnvelope() {
	s.ReversePath = ""
	s.HasReverse = false
	s.ForwardPaths = nil
	s.dataOctets = 0
	s.dataOverflow = false
}
