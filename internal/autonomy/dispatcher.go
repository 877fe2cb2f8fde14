// Package autonomy implements the decision engine that turns inbound gateway
// signals and action requests into concrete effects. Signals are deduplicated
// client-side, channel responses are rate limited per channel, and every
// on-chain effect passes through the operator approval gate before execution.
package autonomy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/nookplot/internal/approval"
	"github.com/jkaninda/nookplot/internal/events"
	"github.com/jkaninda/nookplot/internal/gateway"
	"github.com/jkaninda/nookplot/internal/observability"
	"github.com/jkaninda/nookplot/internal/protocol"
)

const (
	defaultCooldown = 120 * time.Second
	dedupRetention  = time.Hour
)

// GenerateFunc produces free-form text for a prompt. Returning the [SKIP]
// sentinel (or empty text) means the engine stays silent.
type GenerateFunc func(ctx context.Context, prompt string) (string, error)

// SignalHandler is the raw override path. When set, it receives every
// deduplicated signal and the built-in synthesis logic is bypassed entirely.
type SignalHandler func(ctx context.Context, sig *protocol.Signal) error

// ActionHandler is the raw override for gateway action requests.
type ActionHandler func(ctx context.Context, req *protocol.ActionRequest) error

// ActivityFunc receives lifecycle notifications. Fire and forget: errors or
// panics inside the callback never reach the engine.
type ActivityFunc func(kind protocol.ActivityKind, summary string, details map[string]any)

const skipSentinel = "[SKIP]"

// Engine consumes signals and action requests from the event bus and reacts
// to them. All mutable state is guarded by mu; dedup and cooldown tables
// live for the process lifetime and reset only on restart.
type Engine struct {
	client   *gateway.Client
	gate     *approval.Gate
	generate GenerateFunc
	onSignal SignalHandler
	onAction ActionHandler
	activity ActivityFunc
	obs      *observability.Observability
	logger   *slog.Logger

	cooldown  time.Duration
	retention time.Duration
	now       func() time.Time

	mu          sync.Mutex
	address     string
	processed   map[string]time.Time
	channelLast map[string]time.Time
	running     bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithGenerator sets the text generation function used by the built-in
// signal handlers. Without one, signals that need synthesis are skipped.
func WithGenerator(fn GenerateFunc) EngineOption {
	return func(e *Engine) { e.generate = fn }
}

// WithSignalHandler installs the raw signal override.
func WithSignalHandler(fn SignalHandler) EngineOption {
	return func(e *Engine) { e.onSignal = fn }
}

// WithActionHandler installs the raw action request override.
func WithActionHandler(fn ActionHandler) EngineOption {
	return func(e *Engine) { e.onAction = fn }
}

// WithActivityHandler sets the operator activity callback.
func WithActivityHandler(fn ActivityFunc) EngineOption {
	return func(e *Engine) { e.activity = fn }
}

// WithApprovalGate sets the gate consulted before on-chain actions.
func WithApprovalGate(g *approval.Gate) EngineOption {
	return func(e *Engine) { e.gate = g }
}

// WithCooldown overrides the per-channel response cooldown.
func WithCooldown(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.cooldown = d
		}
	}
}

// WithDedupRetention overrides how long processed signal keys are kept.
func WithDedupRetention(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

// WithEngineObservability attaches metrics to the engine.
func WithEngineObservability(obs *observability.Observability) EngineOption {
	return func(e *Engine) { e.obs = obs }
}

// NewEngine creates an Engine bound to a gateway client.
func NewEngine(client *gateway.Client, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		client:      client,
		logger:      logger,
		cooldown:    defaultCooldown,
		retention:   dedupRetention,
		now:         time.Now,
		processed:   make(map[string]time.Time),
		channelLast: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.gate == nil {
		e.gate = approval.NewGate(nil, e.broadcast, nil, e.obs, logger)
	}
	return e
}

// SetAddress records the runtime's own on-network address so the engine can
// ignore echoes of its own messages. Called once after session connect.
func (e *Engine) SetAddress(addr string) {
	e.mu.Lock()
	e.address = strings.ToLower(addr)
	e.mu.Unlock()
}

// Start subscribes the engine to signal and action events on the bus.
func (e *Engine) Start(bus *events.Bus) {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	bus.Subscribe(protocol.EventProactiveSignal, e.handleSignalEvent)
	bus.Subscribe(protocol.EventActionRequest, e.handleActionEvent)
}

// Stop makes the engine ignore further events. Dedup and cooldown state is
// retained; only a process restart clears it.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) ownAddress() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.address
}

// broadcast delivers an activity event to the operator callback. The
// callback runs inside a recover so a faulty operator hook cannot take the
// engine down with it.
func (e *Engine) broadcast(kind protocol.ActivityKind, summary string, details map[string]any) {
	e.logger.Debug("activity", slog.String("kind", string(kind)), slog.String("summary", summary))
	if e.activity == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("activity handler panicked", slog.Any("panic", r))
		}
	}()
	if details == nil {
		details = map[string]any{}
	}
	e.activity(kind, summary, details)
}

func (e *Engine) handleSignalEvent(ctx context.Context, env *protocol.Envelope) {
	if !e.isRunning() {
		return
	}
	sig, err := protocol.ParseSignal(env.Data)
	if err != nil {
		e.logger.Debug("dropping malformed signal payload", slog.String("error", err.Error()))
		return
	}
	e.HandleSignal(ctx, sig)
}

func (e *Engine) handleActionEvent(ctx context.Context, env *protocol.Envelope) {
	if !e.isRunning() {
		return
	}
	var req protocol.ActionRequest
	if err := env.Decode(&req); err != nil {
		e.logger.Debug("dropping malformed action payload", slog.String("error", err.Error()))
		return
	}
	e.HandleAction(ctx, &req)
}

// dedupKey builds a stable key identifying a signal's semantic identity, so
// redelivered or rescanned signals are processed at most once per retention
// window.
func (e *Engine) dedupKey(sig *protocol.Signal) string {
	addr := strings.ToLower(sig.SenderAddress)
	if addr == "" {
		addr = strings.ToLower(sig.Str("senderId"))
	}
	switch sig.Type {
	case protocol.SignalDMReceived:
		return "dm:" + addr
	case protocol.SignalNewFollower:
		return "follower:" + addr
	case protocol.SignalChannelMessage, protocol.SignalChannelMention, protocol.SignalReplyToOwnPost:
		return fmt.Sprintf("ch:%s:%s:%s", sig.ChannelID, addr, clip(sig.MessagePreview, 50))
	case protocol.SignalFilesCommitted:
		if sig.CommitID != "" {
			return "commit:" + sig.CommitID
		}
		return "commit:" + addr
	case protocol.SignalReviewSubmitted:
		return fmt.Sprintf("review:%s:%s", sig.CommitID, addr)
	case protocol.SignalCollaboratorAdded:
		return fmt.Sprintf("collab:%s:%s", sig.ProjectID, addr)
	case protocol.SignalTimeToPost:
		// One post per day
		return "post:" + e.now().UTC().Format("2006-01-02")
	case protocol.SignalTimeToCreateProject:
		if sig.AgentID != "" {
			return "newproj:" + sig.AgentID
		}
		return "newproj:" + addr
	case protocol.SignalInterestingProject:
		return fmt.Sprintf("proj_disc:%s:%s", sig.ProjectID, addr)
	case protocol.SignalCollabRequest:
		requester := sig.Str("requesterAddress")
		if requester == "" {
			requester = addr
		}
		return fmt.Sprintf("collab_req:%s:%s", sig.ProjectID, requester)
	}
	return fmt.Sprintf("%s:%s:%s:%s", sig.Type, addr, sig.ChannelID, sig.PostCID)
}

// seen records the signal's dedup key and reports whether it was already
// present. Entries older than the retention window are purged first.
func (e *Engine) seen(key string) bool {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, ts := range e.processed {
		if now.Sub(ts) >= e.retention {
			delete(e.processed, k)
		}
	}
	if _, dup := e.processed[key]; dup {
		return true
	}
	e.processed[key] = now
	return false
}

// HandleSignal runs one signal through dedup, activity reporting, and the
// per-type handler table.
func (e *Engine) HandleSignal(ctx context.Context, sig *protocol.Signal) {
	ctx, endSpan := e.obs.StartSpan(ctx, "signal.dispatch", string(sig.Type))
	defer endSpan()

	key := e.dedupKey(sig)
	if e.seen(key) {
		e.obs.CountSignal(string(sig.Type), "deduped")
		e.broadcast(protocol.ActivityActionSkipped,
			fmt.Sprintf("Duplicate signal skipped: %s", sig.Type),
			map[string]any{"signalType": string(sig.Type), "dedupKey": key})
		return
	}

	summary := fmt.Sprintf("Signal: %s", sig.Type)
	if sig.ChannelName != "" {
		summary += fmt.Sprintf(" in #%s", sig.ChannelName)
	}
	e.broadcast(protocol.ActivitySignalReceived, summary, map[string]any{
		"signalType":  string(sig.Type),
		"channelName": sig.ChannelName,
	})

	if e.onSignal != nil {
		if err := e.onSignal(ctx, sig); err != nil {
			e.obs.CountSignal(string(sig.Type), "error")
			e.broadcast(protocol.ActivityError,
				fmt.Sprintf("Signal error (%s): %v", sig.Type, err),
				map[string]any{"signalType": string(sig.Type), "error": err.Error()})
			return
		}
		e.obs.CountSignal(string(sig.Type), "handled")
		return
	}

	if e.generate == nil {
		e.obs.CountSignal(string(sig.Type), "skipped")
		e.broadcast(protocol.ActivityActionSkipped,
			fmt.Sprintf("No generator configured, signal %s dropped", sig.Type),
			map[string]any{"signalType": string(sig.Type)})
		return
	}

	if err := e.route(ctx, sig); err != nil {
		e.obs.CountSignal(string(sig.Type), "error")
		e.broadcast(protocol.ActivityError,
			fmt.Sprintf("Signal error (%s): %v", sig.Type, err),
			map[string]any{"signalType": string(sig.Type), "error": err.Error()})
		return
	}
	e.obs.CountSignal(string(sig.Type), "handled")
}

func (e *Engine) route(ctx context.Context, sig *protocol.Signal) error {
	switch sig.Type {
	case protocol.SignalChannelMessage, protocol.SignalChannelMention,
		protocol.SignalNewPostInCommunity, protocol.SignalNewProject,
		protocol.SignalProjectDiscussion:
		// All channel-scoped signals share the channel response path.
		if sig.ChannelID != "" {
			return e.handleChannelSignal(ctx, sig)
		}
		return nil
	case protocol.SignalReplyToOwnPost:
		// Relay path carries a post CID but no channel; channel path has one.
		if sig.ChannelID != "" {
			return e.handleChannelSignal(ctx, sig)
		}
		return e.handleReplyToOwnPost(ctx, sig)
	case protocol.SignalPostReply:
		return e.handleReplyToOwnPost(ctx, sig)
	case protocol.SignalDMReceived:
		return e.handleDM(ctx, sig)
	case protocol.SignalNewFollower:
		return e.handleNewFollower(ctx, sig)
	case protocol.SignalAttestationReceived:
		return e.handleAttestationReceived(ctx, sig)
	case protocol.SignalPotentialFriend:
		return e.handlePotentialFriend(ctx, sig)
	case protocol.SignalAttestationChance:
		return e.handleAttestationOpportunity(ctx, sig)
	case protocol.SignalBounty:
		return e.handleBounty(ctx, sig)
	case protocol.SignalCommunityGap:
		return e.handleCommunityGap(ctx, sig)
	case protocol.SignalDirective:
		return e.handleDirective(ctx, sig)
	case protocol.SignalFilesCommitted:
		return e.handleFilesCommitted(ctx, sig)
	case protocol.SignalReviewSubmitted:
		return e.handleReviewSubmitted(ctx, sig)
	case protocol.SignalCollaboratorAdded:
		return e.handleCollaboratorAdded(ctx, sig)
	case protocol.SignalPendingReview:
		return e.handlePendingReview(ctx, sig)
	case protocol.SignalInterestingProject:
		return e.handleInterestingProject(ctx, sig)
	case protocol.SignalCollabRequest:
		return e.handleCollabRequest(ctx, sig)
	case protocol.SignalTimeToPost:
		return e.handleTimeToPost(ctx, sig)
	case protocol.SignalTimeToCreateProject:
		return e.handleTimeToCreateProject(ctx, sig)
	case protocol.SignalService:
		e.broadcast(protocol.ActivityActionSkipped,
			fmt.Sprintf("Service listing discovered: %s (skipping)", sig.Str("title")),
			map[string]any{"signalType": string(sig.Type), "title": sig.Str("title")})
		return nil
	}
	e.broadcast(protocol.ActivityActionSkipped,
		fmt.Sprintf("Unhandled signal type: %s", sig.Type),
		map[string]any{"signalType": string(sig.Type)})
	return nil
}

// cooldownActive reports whether the channel is still inside its response
// cooldown window. It does not update the timestamp; that happens only
// after a message is actually sent.
func (e *Engine) cooldownActive(channelID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.channelLast[channelID]
	return ok && e.now().Sub(last) < e.cooldown
}

func (e *Engine) markChannelResponse(channelID string) {
	e.mu.Lock()
	e.channelLast[channelID] = e.now()
	e.mu.Unlock()
}

func (e *Engine) handleChannelSignal(ctx context.Context, sig *protocol.Signal) error {
	if e.cooldownActive(sig.ChannelID) {
		e.obs.CountCooldownSuppressed()
		name := sig.ChannelName
		if name == "" {
			name = sig.ChannelID
		}
		e.logger.Debug("cooldown active, staying silent", slog.String("channel", name))
		return nil
	}

	own := e.ownAddress()
	sender := strings.ToLower(sig.SenderAddress)
	if sender != "" && own != "" && sender == own {
		return nil
	}

	history, err := e.client.Channels.History(ctx, sig.ChannelID, 10)
	if err != nil {
		history = nil
	}
	prompt := channelPrompt(sig, history, own)

	content, err := e.generateTrimmed(ctx, prompt)
	if err != nil {
		return fmt.Errorf("channel response: %w", err)
	}
	if content == "" {
		return nil
	}

	if err := e.client.Channels.Send(ctx, sig.ChannelID, content); err != nil {
		return fmt.Errorf("channel response: %w", err)
	}
	e.markChannelResponse(sig.ChannelID)
	name := sig.ChannelName
	if name == "" {
		name = "discussion"
	}
	e.broadcast(protocol.ActivityActionExecuted,
		fmt.Sprintf("Responded in #%s (%d chars)", name, len(content)),
		map[string]any{
			"action":    "channel_response",
			"channel":   name,
			"channelId": sig.ChannelID,
			"length":    len(content),
		})
	return nil
}

func (e *Engine) handleDM(ctx context.Context, sig *protocol.Signal) error {
	sender := sig.SenderAddress
	if sender == "" {
		return nil
	}
	content, err := e.generateTrimmed(ctx, dmPrompt(sig))
	if err != nil {
		return fmt.Errorf("dm reply: %w", err)
	}
	if content == "" {
		return nil
	}
	if err := e.client.Inbox.Send(ctx, sender, content); err != nil {
		return fmt.Errorf("dm reply: %w", err)
	}
	e.broadcast(protocol.ActivityActionExecuted,
		fmt.Sprintf("Replied to DM from %s", shortAddr(sender)),
		map[string]any{"action": "dm_reply", "to": sender})
	return nil
}

func (e *Engine) handleNewFollower(ctx context.Context, sig *protocol.Signal) error {
	follower := sig.SenderAddress
	if follower == "" {
		return nil
	}
	text, err := e.generateTrimmed(ctx, newFollowerPrompt(follower))
	if err != nil {
		return fmt.Errorf("new follower: %w", err)
	}

	if decided(text, "FOLLOW") {
		if _, err := e.client.Social.Follow(ctx, follower); err == nil {
			e.broadcast(protocol.ActivityActionExecuted,
				fmt.Sprintf("Followed back %s", shortAddr(follower)),
				map[string]any{"action": "follow_back", "target": follower})
		}
	}
	if welcome := matchLine(reMessage, text); welcome != "" && welcome != skipSentinel {
		if err := e.client.Inbox.Send(ctx, follower, welcome); err == nil {
			e.broadcast(protocol.ActivityActionExecuted,
				fmt.Sprintf("Sent welcome DM to %s", shortAddr(follower)),
				map[string]any{"action": "welcome_dm", "to": follower})
		}
	}
	return nil
}

func (e *Engine) handleReplyToOwnPost(ctx context.Context, sig *protocol.Signal) error {
	if sig.SenderAddress == "" {
		return nil
	}
	content, err := e.generateTrimmed(ctx, replyToOwnPostPrompt(sig))
	if err != nil {
		return fmt.Errorf("reply to own post: %w", err)
	}
	if content == "" {
		return nil
	}

	if sig.PostCID != "" && sig.Community != "" {
		if _, err := e.client.Knowledge.PublishComment(ctx, sig.PostCID, content, sig.Community); err == nil {
			e.broadcast(protocol.ActivityActionExecuted,
				fmt.Sprintf("Replied as comment to post %s", shortID(sig.PostCID)),
				map[string]any{"action": "comment_reply", "postCid": sig.PostCID, "community": sig.Community})
			return nil
		}
	}
	// Fall back to DM when the comment path is unavailable.
	fallback := "Re your comment on my post: " + content
	if err := e.client.Inbox.Send(ctx, sig.SenderAddress, fallback); err != nil {
		return fmt.Errorf("reply to own post: %w", err)
	}
	e.broadcast(protocol.ActivityActionExecuted,
		fmt.Sprintf("Replied via DM to %s (comment fallback)", shortAddr(sig.SenderAddress)),
		map[string]any{"action": "dm_reply_fallback", "to": sig.SenderAddress, "postCid": sig.PostCID})
	return nil
}

func (e *Engine) handleAttestationReceived(ctx context.Context, sig *protocol.Signal) error {
	attester := sig.SenderAddress
	if attester == "" {
		return nil
	}
	text, err := e.generateTrimmed(ctx, attestationReceivedPrompt(sig))
	if err != nil {
		return fmt.Errorf("attestation received: %w", err)
	}

	if decided(text, "ATTEST") {
		reason := matchLine(reReason, text)
		if reason == "" {
			reason = "Valued collaborator"
		}
		reason = clip(reason, 200)
		if _, err := e.client.Social.Attest(ctx, attester, reason); err == nil {
			e.broadcast(protocol.ActivityActionExecuted,
				fmt.Sprintf("Attested back %s: %s", shortAddr(attester), clip(reason, 50)),
				map[string]any{"action": "attest_back", "target": attester, "reason": reason})
		}
	}
	if thanks := matchLine(reMessage, text); thanks != "" && thanks != skipSentinel {
		_ = e.client.Inbox.Send(ctx, attester, thanks)
	}
	return nil
}

func (e *Engine) handlePotentialFriend(ctx context.Context, sig *protocol.Signal) error {
	address := sig.SenderAddress
	if address == "" {
		address = sig.Str("address")
	}
	if address == "" {
		return nil
	}
	text, err := e.generateTrimmed(ctx, potentialFriendPrompt(address, sig.MessagePreview))
	if err != nil {
		return fmt.Errorf("potential friend: %w", err)
	}
	if !decided(text, "FOLLOW") {
		return nil
	}
	if _, err := e.client.Social.Follow(ctx, address); err != nil {
		return nil
	}
	e.broadcast(protocol.ActivityActionExecuted,
		fmt.Sprintf("Followed potential friend %s", shortAddr(address)),
		map[string]any{"action": "follow_friend", "target": address})
	if intro := matchLine(reMessage, text); intro != "" && intro != skipSentinel {
		_ = e.client.Inbox.Send(ctx, address, intro)
	}
	return nil
}

func (e *Engine) handleAttestationOpportunity(ctx context.Context, sig *protocol.Signal) error {
	address := sig.SenderAddress
	if address == "" {
		address = sig.Str("address")
	}
	if address == "" {
		return nil
	}
	text, err := e.generateTrimmed(ctx, attestationOpportunityPrompt(address, sig.MessagePreview))
	if err != nil {
		return fmt.Errorf("attestation opportunity: %w", err)
	}
	if !decided(text, "ATTEST") {
		return nil
	}
	reason := matchLine(reReason, text)
	if reason == "" {
		reason = "Valued collaborator"
	}
	reason = clip(reason, 200)
	if _, err := e.client.Social.Attest(ctx, address, reason); err == nil {
		e.broadcast(protocol.ActivityActionExecuted,
			fmt.Sprintf("Attested %s: %s", shortAddr(address), clip(reason, 50)),
			map[string]any{"action": "attest", "target": address, "reason": reason})
	}
	return nil
}

func (e *Engine) handleBounty(ctx context.Context, sig *protocol.Signal) error {
	bountyID := sig.Str("sourceId")
	if bountyID == "" {
		bountyID = sig.ChannelID
	}
	text, err := e.generateTrimmed(ctx, bountyPrompt(sig.MessagePreview, bountyID))
	if err != nil {
		return fmt.Errorf("bounty: %w", err)
	}
	// Bounty claiming stays supervised; interest is only logged.
	if strings.Contains(strings.ToUpper(text), "INTERESTED") {
		e.broadcast(protocol.ActivityActionExecuted,
			fmt.Sprintf("Interested in bounty %s (supervised, logged only)", shortID(bountyID)),
			map[string]any{"action": "bounty_interest", "bountyId": bountyID})
	}
	return nil
}

func (e *Engine) handleCommunityGap(ctx context.Context, sig *protocol.Signal) error {
	text, err := e.generateTrimmed(ctx, communityGapPrompt(sig.MessagePreview, sig.Community))
	if err != nil {
		return fmt.Errorf("community gap: %w", err)
	}
	if !decided(text, "CREATE") {
		return nil
	}
	slug := matchWord(reSlug, text)
	name := matchLine(reName, text)
	desc := clip(matchLine(reDescription, text), 200)
	if slug == "" || name == "" {
		return nil
	}

	payload := map[string]any{"slug": slug, "name": name, "description": desc}
	if !e.gate.RequestApproval(ctx, protocol.ActionCreateCommunity, payload, "", "") {
		return nil
	}
	relay, err := e.client.Communities.Create(ctx, slug, name, desc)
	if err != nil {
		e.broadcast(protocol.ActivityError,
			fmt.Sprintf("Community creation failed: %v", err),
			map[string]any{"action": "create_community", "slug": slug, "error": err.Error()})
		return nil
	}
	e.broadcast(protocol.ActivityActionExecuted,
		fmt.Sprintf("Created community '%s' (%s) tx=%s", name, slug, relay.TxHash),
		map[string]any{"action": "create_community", "slug": slug, "name": name, "txHash": relay.TxHash})
	return nil
}

func (e *Engine) handleDirective(ctx context.Context, sig *protocol.Signal) error {
	content, err := e.generateTrimmed(ctx, directivePrompt(sig.MessagePreview))
	if err != nil {
		return fmt.Errorf("directive: %w", err)
	}
	if content == "" {
		return nil
	}
	if sig.ChannelID != "" {
		if err := e.client.Channels.Send(ctx, sig.ChannelID, content); err != nil {
			return fmt.Errorf("directive: %w", err)
		}
		e.broadcast(protocol.ActivityActionExecuted,
			fmt.Sprintf("Directive response sent to channel %s", shortID(sig.ChannelID)),
			map[string]any{"action": "directive_channel", "channelId": sig.ChannelID})
		return nil
	}
	community := sig.Community
	if community == "" {
		community = "general"
	}
	title := clip(content, 100)
	if _, err := e.client.Knowledge.PublishPost(ctx, title, content, community); err != nil {
		return fmt.Errorf("directive: %w", err)
	}
	e.broadcast(protocol.ActivityActionExecuted,
		fmt.Sprintf("Directive response posted in %s", community),
		map[string]any{"action": "directive_post", "community": community, "title": title})
	return nil
}

func (e *Engine) handleTimeToPost(ctx context.Context, sig *protocol.Signal) error {
	community := sig.Community
	if community == "" {
		community = "general"
	}
	domains := strings.Join(sig.Strings("agentDomains"), ", ")

	text, err := e.generateTrimmed(ctx, timeToPostPrompt(community, domains))
	if err != nil {
		return fmt.Errorf("proactive post: %w", err)
	}
	if text == "" {
		e.broadcast(protocol.ActivityActionSkipped,
			fmt.Sprintf("Skipped posting in #%s", community),
			map[string]any{"action": "time_to_post", "community": community})
		return nil
	}

	title := matchLine(reTitle, text)
	if title == "" {
		title = clip(text, 100)
	}
	title = clip(title, 200)
	body := matchBlock(reBody, text)
	if body == "" {
		body = text
	}
	body = clip(body, 2000)

	payload := map[string]any{"community": community, "title": title, "body": clip(body, 200)}
	if !e.gate.RequestApproval(ctx, protocol.ActionCreatePost, payload, "", "") {
		return nil
	}
	pub, err := e.client.Knowledge.PublishPost(ctx, title, body, community)
	if err != nil {
		return fmt.Errorf("proactive post: %w", err)
	}
	e.broadcast(protocol.ActivityActionExecuted,
		fmt.Sprintf("Published post '%s' in #%s", clip(title, 50), community),
		map[string]any{"action": "create_post", "community": community, "title": title, "txHash": pub.TxHash})
	return nil
}

func (e *Engine) handleTimeToCreateProject(ctx context.Context, sig *protocol.Signal) error {
	domains := strings.Join(sig.Strings("agentDomains"), ", ")
	mission := sig.Str("agentMission")

	text, err := e.generateTrimmed(ctx, timeToCreateProjectPrompt(domains, mission))
	if err != nil {
		return fmt.Errorf("proactive project: %w", err)
	}
	if text == "" {
		e.broadcast(protocol.ActivityActionSkipped, "Skipped project creation",
			map[string]any{"action": "time_to_create_project"})
		return nil
	}

	projID := matchWord(reID, text)
	projName := matchLine(reName, text)
	projDesc := clip(matchBlock(reDescription, text), 500)
	if projID == "" || projName == "" {
		e.broadcast(protocol.ActivityActionSkipped,
			"Could not parse project details from generated response",
			map[string]any{"action": "time_to_create_project", "rawResponse": clip(text, 200)})
		return nil
	}

	payload := map[string]any{"projectId": projID, "name": projName, "description": clip(projDesc, 200)}
	if !e.gate.RequestApproval(ctx, protocol.ActionCreateProject, payload, "", "") {
		return nil
	}
	relay, err := e.client.Projects.Create(ctx, projID, projName, projDesc)
	if err != nil {
		return fmt.Errorf("proactive project: %w", err)
	}
	e.broadcast(protocol.ActivityActionExecuted,
		fmt.Sprintf("Created project '%s' (%s) tx=%s", projName, projID, relay.TxHash),
		map[string]any{"action": "create_project", "projectId": projID, "name": projName, "txHash": relay.TxHash})
	return nil
}

func (e *Engine) handleFilesCommitted(ctx context.Context, sig *protocol.Signal) error {
	if sig.ProjectID == "" || sig.CommitID == "" {
		return nil
	}
	// Commit detail is best-effort context; review proceeds without it.
	detail, err := e.client.Projects.GetCommit(ctx, sig.ProjectID, sig.CommitID)
	if err != nil {
		detail = nil
	}
	message := sig.MessagePreview
	if detail != nil && detail.Message != "" {
		message = detail.Message
	}

	text, err := e.generateTrimmed(ctx, commitReviewPrompt(sig.SenderAddress, message, diffContext(detail)))
	if err != nil {
		return fmt.Errorf("commit review: %w", err)
	}
	verdict, body := parseReview(text)

	if err := e.client.Projects.SubmitReview(ctx, sig.ProjectID, sig.CommitID, verdict, body); err != nil {
		e.broadcast(protocol.ActivityError,
			fmt.Sprintf("Review submission failed: %v", err),
			map[string]any{"action": "review_commit", "commitId": sig.CommitID, "error": err.Error()})
	} else {
		e.broadcast(protocol.ActivityActionExecuted,
			fmt.Sprintf("Reviewed commit %s: %s", shortID(sig.CommitID), strings.ToUpper(verdict)),
			map[string]any{"action": "review_commit", "projectId": sig.ProjectID, "commitId": sig.CommitID, "verdict": verdict})
	}

	summary := fmt.Sprintf("Reviewed %s's commit (%s): %s. %s",
		shortAddr(sig.SenderAddress), shortID(sig.CommitID), strings.ToUpper(verdict), clip(body, 200))
	_ = e.client.Channels.SendToProject(ctx, sig.ProjectID, summary)
	return nil
}

func (e *Engine) handleReviewSubmitted(ctx context.Context, sig *protocol.Signal) error {
	if sig.ProjectID == "" {
		return nil
	}
	content, err := e.generateTrimmed(ctx, reviewSubmittedPrompt(sig))
	if err != nil {
		return fmt.Errorf("review response: %w", err)
	}
	if content == "" {
		return nil
	}
	if err := e.client.Channels.SendToProject(ctx, sig.ProjectID, content); err != nil {
		return nil
	}
	e.broadcast(protocol.ActivityActionExecuted,
		fmt.Sprintf("Responded to review from %s in project channel", shortAddr(sig.SenderAddress)),
		map[string]any{"action": "review_response", "projectId": sig.ProjectID, "reviewer": sig.SenderAddress})
	return nil
}

func (e *Engine) handleCollaboratorAdded(ctx context.Context, sig *protocol.Signal) error {
	if sig.ProjectID == "" {
		return nil
	}
	content, err := e.generateTrimmed(ctx, collaboratorAddedPrompt(sig))
	if err != nil {
		return fmt.Errorf("collaborator intro: %w", err)
	}
	if content == "" {
		return nil
	}
	if err := e.client.Channels.SendToProject(ctx, sig.ProjectID, content); err != nil {
		return nil
	}
	e.broadcast(protocol.ActivityActionExecuted,
		fmt.Sprintf("Sent intro to project %s discussion", shortID(sig.ProjectID)),
		map[string]any{"action": "collab_intro", "projectId": sig.ProjectID})
	return nil
}

func (e *Engine) handlePendingReview(ctx context.Context, sig *protocol.Signal) error {
	if sig.ProjectID == "" {
		return nil
	}
	var detail *gateway.CommitDetail
	if sig.CommitID != "" {
		detail, _ = e.client.Projects.GetCommit(ctx, sig.ProjectID, sig.CommitID)
	}

	text, err := e.generateTrimmed(ctx, pendingReviewPrompt(sig.Str("title"), sig.MessagePreview, diffContext(detail)))
	if err != nil {
		return fmt.Errorf("pending review: %w", err)
	}
	if text == "" {
		return nil
	}
	verdict, body := parseReview(text)

	if sig.CommitID == "" {
		return nil
	}
	if err := e.client.Projects.SubmitReview(ctx, sig.ProjectID, sig.CommitID, verdict, body); err != nil {
		e.broadcast(protocol.ActivityError,
			fmt.Sprintf("Pending review submission failed: %v", err),
			map[string]any{"action": "pending_review", "commitId": sig.CommitID, "error": err.Error()})
		return nil
	}
	e.broadcast(protocol.ActivityActionExecuted,
		fmt.Sprintf("Reviewed pending commit %s: %s", shortID(sig.CommitID), strings.ToUpper(verdict)),
		map[string]any{"action": "pending_review", "projectId": sig.ProjectID, "commitId": sig.CommitID, "verdict": verdict})
	return nil
}

func (e *Engine) handleInterestingProject(ctx context.Context, sig *protocol.Signal) error {
	if sig.ProjectID == "" {
		return nil
	}
	e.broadcast(protocol.ActivitySignalReceived,
		fmt.Sprintf("Discovered project: %s (%s)", sig.ProjectName, shortID(sig.ProjectID)),
		map[string]any{"action": "interesting_project", "projectId": sig.ProjectID, "projectName": sig.ProjectName})

	text, err := e.generateTrimmed(ctx, interestingProjectPrompt(sig))
	if err != nil {
		return fmt.Errorf("project discovery: %w", err)
	}
	if text == "" {
		e.broadcast(protocol.ActivityActionSkipped,
			fmt.Sprintf("Skipped project %s", sig.ProjectName),
			map[string]any{"action": "interesting_project", "projectId": sig.ProjectID})
		return nil
	}

	upper := strings.ToUpper(text)
	shouldJoin := strings.Contains(upper, "JOIN") && !strings.Contains(upper, "SKIP")
	message := clip(matchBlock(reMessage, text), 300)

	switch {
	case shouldJoin && message != "":
		// Project owners detect collaboration requests by keyword scanning,
		// so the message must carry an intent keyword.
		if !hasCollabKeyword(message) {
			message = "I'd like to collaborate. " + message
		}
		if err := e.client.Channels.SendToProject(ctx, sig.ProjectID, message); err != nil {
			return fmt.Errorf("project discovery: %w", err)
		}
		e.broadcast(protocol.ActivityActionExecuted,
			fmt.Sprintf("Requested to join project '%s'", sig.ProjectName),
			map[string]any{"action": "request_collaboration", "projectId": sig.ProjectID, "message": clip(message, 100)})
	case shouldJoin:
		e.broadcast(protocol.ActivityActionSkipped,
			"JOIN decided but no message, skipping",
			map[string]any{"action": "interesting_project", "projectId": sig.ProjectID})
	default:
		e.broadcast(protocol.ActivityActionSkipped,
			fmt.Sprintf("Decided not to join project %s", sig.ProjectName),
			map[string]any{"action": "interesting_project", "projectId": sig.ProjectID})
	}
	return nil
}

func (e *Engine) handleCollabRequest(ctx context.Context, sig *protocol.Signal) error {
	requester := sig.Str("requesterAddress")
	if sig.ProjectID == "" || requester == "" {
		// Without structured metadata, treat it like ordinary channel traffic.
		if sig.ChannelID != "" {
			return e.handleChannelSignal(ctx, sig)
		}
		return nil
	}
	requesterName := sig.Str("requesterName")
	display := requesterName
	if display == "" {
		display = shortAddr(requester)
	}
	e.broadcast(protocol.ActivitySignalReceived,
		fmt.Sprintf("Collab request for project %s from %s", shortID(sig.ProjectID), display),
		map[string]any{"action": "collab_request", "projectId": sig.ProjectID, "requester": requester})

	message := sig.MessagePreview
	if message == "" {
		message = sig.Str("description")
	}
	text, err := e.generateTrimmed(ctx, collabRequestPrompt(sig.ProjectID, display, message))
	if err != nil {
		return fmt.Errorf("collab request: %w", err)
	}

	upper := strings.ToUpper(text)
	accept := strings.Contains(upper, "ACCEPT") && !strings.Contains(upper, "DECLINE")
	reply := clip(matchBlock(reMessage, text), 300)

	if accept {
		payload := map[string]any{"projectId": sig.ProjectID, "collaborator": requester, "role": "editor"}
		if !e.gate.RequestApproval(ctx, protocol.ActionAddCollaborator, payload, "", "") {
			return nil
		}
		if err := e.client.Projects.AddCollaborator(ctx, sig.ProjectID, requester, "editor"); err != nil {
			e.broadcast(protocol.ActivityError,
				fmt.Sprintf("Failed to add collaborator: %v", err),
				map[string]any{"action": "add_collaborator", "projectId": sig.ProjectID, "error": err.Error()})
		} else {
			e.broadcast(protocol.ActivityActionExecuted,
				fmt.Sprintf("Added %s as collaborator to %s", display, shortID(sig.ProjectID)),
				map[string]any{"action": "accept_collaborator", "projectId": sig.ProjectID, "collaborator": requester})
		}
		if reply != "" {
			_ = e.client.Channels.SendToProject(ctx, sig.ProjectID, reply)
		}
		return nil
	}

	if reply != "" {
		if err := e.client.Channels.SendToProject(ctx, sig.ProjectID, reply); err == nil {
			e.broadcast(protocol.ActivityActionExecuted,
				fmt.Sprintf("Declined collab request from %s", display),
				map[string]any{"action": "decline_collaborator", "projectId": sig.ProjectID})
		}
		return nil
	}
	e.broadcast(protocol.ActivityActionSkipped,
		"Declined collab request (no response)",
		map[string]any{"action": "collab_request", "projectId": sig.ProjectID})
	return nil
}

// generateTrimmed runs the generator and normalizes its output: trimmed, with
// the skip sentinel collapsed to the empty string.
func (e *Engine) generateTrimmed(ctx context.Context, prompt string) (string, error) {
	text, err := e.generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == skipSentinel {
		return "", nil
	}
	return text, nil
}

func shortAddr(addr string) string {
	return clip(addr, 10) + "..."
}

func shortID(id string) string {
	c := clip(id, 12)
	if c == id {
		return id
	}
	return c + "..."
}

// clip truncates to n code points, never splitting a multi-byte rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func hasCollabKeyword(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range []string{"collaborat", "contribut", "join", "help", "work on"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
