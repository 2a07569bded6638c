package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "github.com/emberfell/hearthgate/internal/errors"
)

// FlowState is one stage of a config-flow negotiation session.
type FlowState string

const (
	// FlowStateConnecting is the initial state: the connection is open and
	// no message has been exchanged yet.
	FlowStateConnecting FlowState = "connecting"
	// FlowStateAuthPending means the remote asked for credentials and the
	// auth message has been sent.
	FlowStateAuthPending FlowState = "auth_pending"
	// FlowStateAuthenticated means the session is authorized and the flow
	// init command is in flight.
	FlowStateAuthenticated FlowState = "authenticated"
	// FlowStateConfiguring means the remote opened a flow and the configure
	// command carrying the user input is in flight.
	FlowStateConfiguring FlowState = "configuring"
	// FlowStateCompleted is the terminal success state.
	FlowStateCompleted FlowState = "completed"
	// FlowStateFailed is the terminal state for auth rejections, declined
	// flows, transport errors and the session deadline.
	FlowStateFailed FlowState = "failed"
)

// Terminal reports whether the session is finished in this state.
func (s FlowState) Terminal() bool {
	return s == FlowStateCompleted || s == FlowStateFailed
}

// Inbound message types and outbound command types of the config-flow
// protocol.
const (
	msgAuthRequired = "auth_required"
	msgAuth         = "auth"
	msgAuthOK       = "auth_ok"
	msgAuthInvalid  = "auth_invalid"
	msgResult       = "result"

	cmdFlowInit      = "config_entries/flow/init"
	cmdFlowConfigure = "config_entries/flow/configure"
)

var transitionRecorder = func(from, to string) {}

// RegisterTransitionRecorder allows external packages to observe flow state
// transitions.
func RegisterTransitionRecorder(recorder func(from, to string)) {
	if recorder == nil {
		transitionRecorder = func(string, string) {}
		return
	}

	transitionRecorder = recorder
}

// Conn is the slice of a WebSocket connection a session drives.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens the connection a session runs over. Tests substitute a
// scripted fake.
type Dialer func(ctx context.Context, endpoint string) (Conn, error)

// FlowOutcome is the business result of a negotiation whose protocol
// exchange completed. Created reports whether the remote provisioned the
// resource; when it declined, Reason says why.
type FlowOutcome struct {
	Created bool
	Title   string
	Reason  string
}

// FlowNegotiator creates resources the REST API cannot, by driving the
// remote's multi-step config-flow protocol over a WebSocket session. Each
// call runs one session; the negotiator itself is stateless and safe for
// concurrent use.
type FlowNegotiator struct {
	endpoint string
	token    string
	timeout  time.Duration
	dial     Dialer
	log      *slog.Logger
}

// NewFlowNegotiator builds a negotiator for the config-flow endpoint.
// timeout bounds an entire session from dial to terminal state.
func NewFlowNegotiator(endpoint, token string, timeout time.Duration, log *slog.Logger) *FlowNegotiator {
	if log == nil {
		log = slog.Default()
	}

	return &FlowNegotiator{
		endpoint: endpoint,
		token:    token,
		timeout:  timeout,
		dial:     dialWebSocket,
		log:      log,
	}
}

// CreateResource drives one negotiation session that asks the handler
// integration to provision a resource with the given name. The returned
// outcome distinguishes "the remote said no" (nil error, Created false)
// from operational failure (NegotiationFailed error): a declined flow is a
// negotiation that worked.
func (n *FlowNegotiator) CreateResource(ctx context.Context, handler, name string) (*FlowOutcome, error) {
	sessionID := uuid.NewString()
	log := n.log.With(slog.String("session_id", sessionID), slog.String("handler", handler))

	deadline := time.Now().Add(n.timeout)

	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, err := n.dial(dialCtx, n.endpoint)
	if err != nil {
		log.Warn("config flow dial failed", slog.Any("error", err))
		return nil, apperrors.NewNegotiationFailed("could not connect to the configuration endpoint", err)
	}

	session := &flowSession{
		conn:     conn,
		token:    n.token,
		handler:  handler,
		name:     name,
		deadline: deadline,
		state:    FlowStateConnecting,
		nextID:   1,
		log:      log,
	}

	outcome, err := session.run()
	if err != nil {
		log.Warn("config flow failed", slog.Any("error", err))
		return nil, err
	}

	log.Info("config flow finished",
		slog.Bool("created", outcome.Created),
		slog.String("title", outcome.Title),
		slog.String("reason", outcome.Reason),
	)

	return outcome, nil
}

// serverMessage is the envelope of every inbound frame.
type serverMessage struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *commandError   `json:"error,omitempty"`
}

type commandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// flowResult is the payload of a result message: a flow id while the remote
// wants more input, a title once the resource exists, a reason when the
// flow aborted.
type flowResult struct {
	FlowID string `json:"flow_id"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

type flowInitCommand struct {
	ID      int    `json:"id"`
	Type    string `json:"type"`
	Handler string `json:"handler"`
}

type flowConfigureCommand struct {
	ID        int            `json:"id"`
	Type      string         `json:"type"`
	FlowID    string         `json:"flow_id"`
	UserInput map[string]any `json:"user_input"`
}

// flowSession owns one negotiation attempt: the connection, the message id
// counter and the current state. It lives exactly as long as the
// CreateResource call that made it.
type flowSession struct {
	conn     Conn
	token    string
	handler  string
	name     string
	deadline time.Time
	state    FlowState

	// nextID is the id the next correlated command will take; ids start at
	// 1 and only ever grow. awaitID is the id whose result the session is
	// waiting for; results under any other id are stale and ignored.
	nextID  int
	awaitID int
	flowID  string

	closeOnce sync.Once
	log       *slog.Logger
}

// stepFunc advances the session on one inbound message. It reports the
// resolved outcome when the message finished the session, or an error when
// the session must be rejected.
type stepFunc func(s *flowSession, msg *serverMessage) (*FlowOutcome, error)

// flowTransitions binds (state, inbound message type) to the step that
// handles it. Messages with no binding for the current state are ignored;
// every transition in the machine is driven through this table.
var flowTransitions = map[FlowState]map[string]stepFunc{
	FlowStateConnecting: {
		msgAuthRequired: (*flowSession).stepAuthRequired,
	},
	FlowStateAuthPending: {
		msgAuthOK:      (*flowSession).stepAuthOK,
		msgAuthInvalid: (*flowSession).stepAuthInvalid,
	},
	FlowStateAuthenticated: {
		msgResult: (*flowSession).stepResult,
	},
	FlowStateConfiguring: {
		msgResult: (*flowSession).stepResult,
	},
}

// run reads inbound messages and dispatches them through the transition
// table until a terminal state resolves or rejects the session. The
// connection is closed exactly once on every path, and the read deadline
// enforces the session's absolute time budget.
func (s *flowSession) run() (*FlowOutcome, error) {
	defer s.close()

	if err := s.conn.SetReadDeadline(s.deadline); err != nil {
		s.transition(FlowStateFailed)
		return nil, apperrors.NewNegotiationFailed("could not arm the session deadline", err)
	}

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return nil, s.fail(readFailure(err, s.state))
		}

		var msg serverMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Debug("discarding unparseable frame", slog.Any("error", err))
			continue
		}

		step := flowTransitions[s.state][msg.Type]
		if step == nil {
			s.log.Debug("ignoring message",
				slog.String("type", msg.Type),
				slog.String("state", string(s.state)),
			)
			continue
		}

		outcome, err := step(s, &msg)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			return outcome, nil
		}
	}
}

func (s *flowSession) stepAuthRequired(*serverMessage) (*FlowOutcome, error) {
	s.transition(FlowStateAuthPending)

	if err := s.conn.WriteJSON(authMessage{Type: msgAuth, AccessToken: s.token}); err != nil {
		return nil, s.fail(apperrors.NewNegotiationFailed("sending credentials failed", err))
	}

	return nil, nil
}

func (s *flowSession) stepAuthOK(*serverMessage) (*FlowOutcome, error) {
	s.transition(FlowStateAuthenticated)

	cmd := flowInitCommand{
		ID:      s.allocID(),
		Type:    cmdFlowInit,
		Handler: s.handler,
	}
	if err := s.conn.WriteJSON(cmd); err != nil {
		return nil, s.fail(apperrors.NewNegotiationFailed("starting the configuration flow failed", err))
	}

	return nil, nil
}

func (s *flowSession) stepAuthInvalid(*serverMessage) (*FlowOutcome, error) {
	return nil, s.fail(apperrors.NewNegotiationFailed("the remote rejected the credentials", nil))
}

// stepResult classifies a correlated result by its payload: a title means
// the resource exists, a flow id means the remote wants input, anything
// else aborted the flow. A result with success false is a negative business
// outcome, not an operational failure, so the session resolves.
func (s *flowSession) stepResult(msg *serverMessage) (*FlowOutcome, error) {
	if msg.ID != s.awaitID {
		s.log.Debug("ignoring stale result",
			slog.Int("id", msg.ID),
			slog.Int("await_id", s.awaitID),
		)
		return nil, nil
	}

	if !msg.Success {
		s.transition(FlowStateFailed)
		return &FlowOutcome{Created: false, Reason: declineReason(msg.Error)}, nil
	}

	var payload flowResult
	if len(msg.Result) > 0 {
		if err := json.Unmarshal(msg.Result, &payload); err != nil {
			return nil, s.fail(apperrors.NewNegotiationFailed("undecodable flow result", err))
		}
	}

	switch {
	case payload.Title != "":
		s.transition(FlowStateCompleted)
		return &FlowOutcome{Created: true, Title: payload.Title}, nil

	case payload.FlowID != "" && s.state == FlowStateAuthenticated:
		s.flowID = payload.FlowID
		s.transition(FlowStateConfiguring)

		cmd := flowConfigureCommand{
			ID:        s.allocID(),
			Type:      cmdFlowConfigure,
			FlowID:    s.flowID,
			UserInput: map[string]any{"name": s.name},
		}
		if err := s.conn.WriteJSON(cmd); err != nil {
			return nil, s.fail(apperrors.NewNegotiationFailed("submitting the flow input failed", err))
		}

		return nil, nil

	case payload.FlowID != "":
		// The configure step answered with another form: the flow wants
		// input this gateway cannot supply.
		s.transition(FlowStateFailed)
		return &FlowOutcome{Created: false, Reason: "the flow requires additional configuration"}, nil

	default:
		s.transition(FlowStateFailed)
		reason := payload.Reason
		if reason == "" {
			reason = "the flow was aborted"
		}
		return &FlowOutcome{Created: false, Reason: reason}, nil
	}
}

// allocID hands out the next command id and marks it as the one the
// session now waits on.
func (s *flowSession) allocID() int {
	id := s.nextID
	s.nextID++
	s.awaitID = id

	return id
}

func (s *flowSession) transition(to FlowState) {
	if s.state == to {
		return
	}

	transitionRecorder(string(s.state), string(to))
	s.log.Debug("flow transition",
		slog.String("from", string(s.state)),
		slog.String("to", string(to)),
	)
	s.state = to
}

// fail moves the session to its terminal failure state and hands back the
// rejection to propagate.
func (s *flowSession) fail(err error) error {
	s.transition(FlowStateFailed)
	return err
}

// close releases the connection; safe to call any number of times.
func (s *flowSession) close() {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(); err != nil {
			s.log.Debug("closing flow connection", slog.Any("error", err))
		}
	})
}

// readFailure classifies a broken read: the armed deadline firing means the
// session ran out of time, anything else is the transport going away.
func readFailure(err error, state FlowState) error {
	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperrors.NewNegotiationFailed("the session deadline elapsed", err)
	}

	if state == FlowStateConnecting || state == FlowStateAuthPending {
		return apperrors.NewNegotiationFailed("the connection closed before authentication completed", err)
	}

	return apperrors.NewNegotiationFailed("the connection was lost mid-flow", err)
}

func declineReason(cmdErr *commandError) string {
	switch {
	case cmdErr == nil:
		return "the remote declined the request"
	case cmdErr.Message != "":
		return cmdErr.Message
	case cmdErr.Code != "":
		return cmdErr.Code
	default:
		return "the remote declined the request"
	}
}

// dialWebSocket is the production Dialer.
func dialWebSocket(ctx context.Context, endpoint string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("dial %s: handshake status %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	return conn, nil
}
