// Package session implements the bidirectional streaming transport (§4.8):
// a long-lived authenticated WebSocket channel carrying tagged-variant
// JSON frames, with per-session outbound backpressure and cooperative
// per-turn cancellation. Shaped on codeready-toolchain-tarsy's
// pkg/api/websocket.go hub, generalized from a single shared broadcast
// channel to one bounded queue per session.
package session

import "encoding/json"

// FrameKind discriminates a frame's payload (§4.8). A closed set of
// variants dispatched on this field, per §9 "tagged variants for frames
// and errors."
type FrameKind string

const (
	// Client -> server.
	KindChat   FrameKind = "chat"
	KindCancel FrameKind = "cancel"

	// Server -> client.
	KindTurnStarted   FrameKind = "turn_started"
	KindTextDelta     FrameKind = "text_delta"
	KindCitations     FrameKind = "citations"
	KindProgress      FrameKind = "progress"
	KindToolResult    FrameKind = "tool_result"
	KindBudgetWarning FrameKind = "budget_warning"
	KindError         FrameKind = "error"
	KindTurnEnded     FrameKind = "turn_ended"
)

// ToolResultKind distinguishes which sub-agent produced a tool_result frame.
type ToolResultKind string

const (
	ToolResultSQL       ToolResultKind = "sql"
	ToolResultRetrieval ToolResultKind = "retrieval"
	ToolResultResearch  ToolResultKind = "research"
)

// Frame is the wire envelope for every message on the session channel.
// Payload is kept as json.RawMessage on the inbound path (demultiplexed
// by Kind into a concrete type) and built directly for outbound frames.
type Frame struct {
	Kind    FrameKind       `json:"kind"`
	TurnID  string          `json:"turnId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChatPayload is the client->server payload for KindChat.
type ChatPayload struct {
	ConversationID string          `json:"conversationId"`
	Content        string          `json:"content"`
	Options        json.RawMessage `json:"options,omitempty"`
}

// CancelPayload is the client->server payload for KindCancel.
type CancelPayload struct {
	TurnID string `json:"turnId"`
}

// TurnStartedPayload announces which agent is handling a turn.
type TurnStartedPayload struct {
	AgentTag string `json:"agentTag"`
}

// TextDeltaPayload carries one streamed token/fragment.
type TextDeltaPayload struct {
	Text string `json:"text"`
}

// CitationPayload is one entry in a citations frame's list (§4.4.3).
type CitationPayload struct {
	N            int     `json:"n"`
	DocumentName string  `json:"documentName"`
	Page         *int    `json:"page,omitempty"`
	ChunkID      string  `json:"chunkId"`
	Score        float64 `json:"score"`
}

// CitationsPayload carries the ordered citation list for a turn.
type CitationsPayload struct {
	List []CitationPayload `json:"list"`
}

// ProgressPayload reports fractional completion of a long-running branch.
type ProgressPayload struct {
	Percent int    `json:"percent"`
	Note    string `json:"note"`
}

// ToolResultPayload carries a sub-agent's structured output.
type ToolResultPayload struct {
	Kind    ToolResultKind  `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// BudgetWarningPayload is emitted at 80% of the monthly cap (§4.3, §8).
type BudgetWarningPayload struct {
	PercentUsed int   `json:"percentUsed"`
	Cap         int64 `json:"cap"`
}

// ErrorPayload is the structured, action-oriented failure frame (§7).
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TurnEndedPayload terminates a turn exactly once (§4.8).
type TurnEndedPayload struct {
	Cancelled    bool   `json:"cancelled"`
	ModelTag     string `json:"modelTag,omitempty"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
	LatencyMs    int64  `json:"latencyMs,omitempty"`
}

func mustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Every payload type above is a plain struct of JSON-safe fields;
		// a marshal failure here means a programming error, not bad input.
		panic("session: payload marshal: " + err.Error())
	}
	return b
}

// NewFrame builds an outbound frame from a typed payload.
func NewFrame(kind FrameKind, turnID string, payload any) Frame {
	return Frame{Kind: kind, TurnID: turnID, Payload: mustPayload(payload)}
}
