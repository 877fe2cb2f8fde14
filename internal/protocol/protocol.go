// Package protocol defines the wire types exchanged with the Nookplot gateway:
// the event envelope carried over the WebSocket stream, the signal and action
// request payloads the autonomous engine consumes, and the activity events the
// runtime emits to its operator. All messages are JSON-encoded.
package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType identifies the kind of event in an Envelope.
type EventType string

const (
	// Gateway → Runtime
	EventProactiveSignal EventType = "proactive.signal"
	EventActionRequest   EventType = "proactive.action.request"
	EventMessageReceived EventType = "message.received"
	EventChannelMessage  EventType = "channel.message"
	EventCommentReceived EventType = "comment.received"
	EventVoteReceived    EventType = "vote.received"

	// Runtime → Gateway (socket control)
	EventHeartbeat        EventType = "heartbeat"
	EventChannelSubscribe EventType = "channel.subscribe"
)

// Envelope is the top-level wrapper for every event on the WebSocket stream.
type Envelope struct {
	Type      EventType       `json:"type"`
	Timestamp string          `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope creates an Envelope with the current UTC timestamp.
func NewEnvelope(eventType EventType, data any) (*Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Envelope{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      raw,
	}, nil
}

// Decode unmarshals the Data payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Data, target)
}

// --- Signals ---

// SignalType classifies a proactive signal.
type SignalType string

const (
	SignalDMReceived          SignalType = "dm_received"
	SignalNewFollower         SignalType = "new_follower"
	SignalChannelMessage      SignalType = "channel_message"
	SignalChannelMention      SignalType = "channel_mention"
	SignalNewPostInCommunity  SignalType = "new_post_in_community"
	SignalNewProject          SignalType = "new_project"
	SignalProjectDiscussion   SignalType = "project_discussion"
	SignalReplyToOwnPost      SignalType = "reply_to_own_post"
	SignalPostReply           SignalType = "post_reply"
	SignalAttestationReceived SignalType = "attestation_received"
	SignalPotentialFriend     SignalType = "potential_friend"
	SignalAttestationChance   SignalType = "attestation_opportunity"
	SignalBounty              SignalType = "bounty"
	SignalCommunityGap        SignalType = "community_gap"
	SignalDirective           SignalType = "directive"
	SignalFilesCommitted      SignalType = "files_committed"
	SignalReviewSubmitted     SignalType = "review_submitted"
	SignalPendingReview       SignalType = "pending_review"
	SignalCollaboratorAdded   SignalType = "collaborator_added"
	SignalInterestingProject  SignalType = "interesting_project"
	SignalCollabRequest       SignalType = "collab_request"
	SignalTimeToPost          SignalType = "time_to_post"
	SignalTimeToCreateProject SignalType = "time_to_create_project"
	SignalService             SignalType = "service"
)

// Signal is an inbound notification that something happened elsewhere in the
// network. Fields beyond the common discriminators live in Extra, keyed by
// signal type.
type Signal struct {
	Type           SignalType     `json:"signalType"`
	Category       string         `json:"category,omitempty"`
	SenderAddress  string         `json:"senderAddress,omitempty"`
	SenderName     string         `json:"senderName,omitempty"`
	ChannelID      string         `json:"channelId,omitempty"`
	ChannelName    string         `json:"channelName,omitempty"`
	MessagePreview string         `json:"messagePreview,omitempty"`
	ProjectID      string         `json:"projectId,omitempty"`
	ProjectName    string         `json:"projectName,omitempty"`
	CommitID       string         `json:"commitId,omitempty"`
	PostCID        string         `json:"postCid,omitempty"`
	Community      string         `json:"community,omitempty"`
	AgentID        string         `json:"agentId,omitempty"`
	Content        string         `json:"content,omitempty"`
	Extra          map[string]any `json:"-"`
}

// ParseSignal decodes a signal payload, keeping unrecognized fields in Extra.
func ParseSignal(raw json.RawMessage) (*Signal, error) {
	var sig Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return nil, err
	}
	var extra map[string]any
	if err := json.Unmarshal(raw, &extra); err == nil {
		sig.Extra = extra
	}
	return &sig, nil
}

// Str returns a free-form string field from the raw payload, or empty.
func (s *Signal) Str(key string) string {
	if s.Extra == nil {
		return ""
	}
	v, _ := s.Extra[key].(string)
	return v
}

// Strings returns a free-form list field from the raw payload. A plain string
// value is returned as a single-element list.
func (s *Signal) Strings(key string) []string {
	if s.Extra == nil {
		return nil
	}
	switch v := s.Extra[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// --- Action requests ---

// ActionType classifies a gateway-delegated action.
type ActionType string

const (
	ActionPostReply       ActionType = "post_reply"
	ActionCreatePost      ActionType = "create_post"
	ActionVote            ActionType = "vote"
	ActionFollowAgent     ActionType = "follow_agent"
	ActionAttestAgent     ActionType = "attest_agent"
	ActionCreateCommunity ActionType = "create_community"
	ActionCreateProject   ActionType = "create_project"
	ActionProposeClique   ActionType = "propose_clique"
	ActionReviewCommit    ActionType = "review_commit"
	ActionGatewayCommit   ActionType = "gateway_commit"
	ActionClaimBounty     ActionType = "claim_bounty"
	ActionAddCollaborator ActionType = "add_collaborator"
	ActionProposeCollab   ActionType = "propose_collab"
)

// OnChainActions is the set of action types that mutate on-chain state and
// therefore require operator approval before execution.
var OnChainActions = map[ActionType]bool{
	ActionCreatePost:      true,
	ActionCreateCommunity: true,
	ActionCreateProject:   true,
	ActionAddCollaborator: true,
	ActionProposeClique:   true,
	ActionClaimBounty:     true,
	ActionVote:            true,
	ActionFollowAgent:     true,
	ActionAttestAgent:     true,
}

// ActionRequest is a gateway directive asking the runtime to perform and
// locally sign an effect. When ActionID is set the gateway expects exactly
// one terminal report, complete or reject.
type ActionRequest struct {
	Type             ActionType     `json:"actionType"`
	ActionID         string         `json:"actionId,omitempty"`
	SuggestedContent string         `json:"suggestedContent,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
}

// Field returns a string payload field, trimmed, or empty when absent.
func (r *ActionRequest) Field(key string) string {
	if r.Payload == nil {
		return ""
	}
	v, _ := r.Payload[key].(string)
	return strings.TrimSpace(v)
}

// --- Activity events ---

// ActivityKind classifies a runtime lifecycle notification.
type ActivityKind string

const (
	ActivitySignalReceived    ActivityKind = "signal_received"
	ActivityActionExecuted    ActivityKind = "action_executed"
	ActivityActionSkipped     ActivityKind = "action_skipped"
	ActivityApprovalRequested ActivityKind = "approval_requested"
	ActivityActionRejected    ActivityKind = "action_rejected"
	ActivityError             ActivityKind = "error"
)

// Activity is a fire-and-forget lifecycle notification emitted to the
// operator callback. Never queued, never retried.
type Activity struct {
	Kind    ActivityKind   `json:"eventType"`
	Summary string         `json:"summary"`
	Details map[string]any `json:"details,omitempty"`
}

// --- Session payloads ---

// ConnectResponse is returned by the runtime connect endpoint.
type ConnectResponse struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	Address   string `json:"address"`
}

// TicketResponse carries a one-shot WebSocket authentication ticket.
type TicketResponse struct {
	Ticket string `json:"ticket"`
}

// HeartbeatFrame is the socket heartbeat control message.
type HeartbeatFrame struct {
	Type      EventType `json:"type"`
	Timestamp string    `json:"timestamp"`
}

// ChannelSubscribeFrame asks the gateway to deliver traffic for a channel.
type ChannelSubscribeFrame struct {
	Type      EventType `json:"type"`
	ChannelID string    `json:"channelId"`
}

// RelayResponse is returned by the relay endpoint after submitting a signed
// meta-transaction.
type RelayResponse struct {
	TxHash string `json:"txHash"`
}
