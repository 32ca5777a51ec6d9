package protocol

import "time"

// Client frame types.
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeSendKeys     = "sendKeys"
	TypeResize       = "resize"
	TypeClaim        = "claim"
	TypeRelease      = "release"
	TypeForceRelease = "forceRelease"
	TypePing         = "ping"
)

// Server frame types.
const (
	TypeConnected = "connected"
	TypeOutput    = "output"
	TypeClaimed   = "claimed"
	TypeReleased  = "released"
	TypePresence  = "presence"
	TypeError     = "error"
	TypePong      = "pong"
)

// Error codes. Clients branch on the code; Message is informational only.
const (
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeForbidden      = "FORBIDDEN"
	CodeNotFound       = "NOT_FOUND"
	CodeLocked         = "LOCKED"
	CodeNotHolder      = "NOT_HOLDER"
	CodePreempted      = "PREEMPTED"
	CodeBadFrame       = "BAD_FRAME"
	CodeIO             = "IO"
	CodeSessionLost    = "SESSION_LOST"
	CodeSlowConsumer   = "SLOW_CONSUMER"
	CodeIdleTimeout    = "IDLE_TIMEOUT"
	CodeServerShutdown = "SERVER_SHUTDOWN"
)

// Released reasons.
const (
	ReasonHolderGone = "holder_gone"
	ReasonExpired    = "expired"
	ReasonForced     = "forced"
	ReasonPreempted  = "preempted"
	ReasonRenewed    = "renewed"
)

// WebSocket close codes.
const (
	CloseNormal          = 1000
	CloseBadFrame        = 1003
	CloseUnauthenticated = 1008
	CloseInternal        = 1011
)

// ClientFrame is the decoded form of every frame a client may send.
// Type selects the variant; unused fields stay zero.
type ClientFrame struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName,omitempty"`
	Keys        string `json:"keys,omitempty"`
	Cols        uint16 `json:"cols,omitempty"`
	Rows        uint16 `json:"rows,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
}

// UserRef identifies a user in claim frames.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PresenceUser is one entry of a presence snapshot, deduplicated by ID.
type PresenceUser struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Idle   bool   `json:"idle"`
}

// ServerFrame is the flat tagged union written to clients.
type ServerFrame struct {
	Type        string         `json:"type"`
	SessionName string         `json:"sessionName,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	Role        string         `json:"role,omitempty"`
	Seq         uint64         `json:"seq,omitempty"`
	Data        string         `json:"data,omitempty"`
	By          *UserRef       `json:"by,omitempty"`
	ExpiresAt   string         `json:"expiresAt,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Users       []PresenceUser `json:"users,omitempty"`
	Code        string         `json:"code,omitempty"`
	Message     string         `json:"message,omitempty"`
	HeldBy      string         `json:"heldBy,omitempty"`
	Nonce       string         `json:"nonce,omitempty"`
}

// IsOutput reports whether the frame travels on the output lane.
// Everything else uses the priority lane and is never silently dropped.
func (f ServerFrame) IsOutput() bool { return f.Type == TypeOutput }

func Connected(userID, role string) ServerFrame {
	return ServerFrame{Type: TypeConnected, UserID: userID, Role: role}
}

func Output(session string, seq uint64, data []byte) ServerFrame {
	return ServerFrame{Type: TypeOutput, SessionName: session, Seq: seq, Data: string(data)}
}

func Claimed(session string, by UserRef, expiresAt time.Time, reason string) ServerFrame {
	return ServerFrame{
		Type:        TypeClaimed,
		SessionName: session,
		By:          &by,
		ExpiresAt:   expiresAt.UTC().Format(time.RFC3339),
		Reason:      reason,
	}
}

func Released(session, reason string) ServerFrame {
	return ServerFrame{Type: TypeReleased, SessionName: session, Reason: reason}
}

func Presence(session string, users []PresenceUser) ServerFrame {
	return ServerFrame{Type: TypePresence, SessionName: session, Users: users}
}

func Error(code, message, session string) ServerFrame {
	return ServerFrame{Type: TypeError, Code: code, Message: message, SessionName: session}
}

func Pong(nonce string) ServerFrame {
	return ServerFrame{Type: TypePong, Nonce: nonce}
}
