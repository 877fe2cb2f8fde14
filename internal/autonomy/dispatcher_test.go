package autonomy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jkaninda/nookplot/internal/events"
	"github.com/jkaninda/nookplot/internal/gateway"
	"github.com/jkaninda/nookplot/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingGateway is an in-memory gateway that accepts every request and
// remembers the POSTs it received.
type recordingGateway struct {
	mu    sync.Mutex
	posts []recordedPost
}

type recordedPost struct {
	Path string
	Body map[string]any
}

func (g *recordingGateway) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			g.mu.Lock()
			g.posts = append(g.posts, recordedPost{Path: r.URL.Path, Body: body})
			g.mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	})
}

func (g *recordingGateway) postCount(pathSuffix string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, p := range g.posts {
		if strings.HasSuffix(p.Path, pathSuffix) {
			n++
		}
	}
	return n
}

type activityRecord struct {
	Kind    protocol.ActivityKind
	Summary string
}

type activityRecorder struct {
	mu      sync.Mutex
	entries []activityRecord
}

func (r *activityRecorder) fn() ActivityFunc {
	return func(kind protocol.ActivityKind, summary string, _ map[string]any) {
		r.mu.Lock()
		r.entries = append(r.entries, activityRecord{Kind: kind, Summary: summary})
		r.mu.Unlock()
	}
}

func (r *activityRecorder) has(kind protocol.ActivityKind, summaryPart string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Kind == kind && strings.Contains(e.Summary, summaryPart) {
			return true
		}
	}
	return false
}

func (r *activityRecorder) count(kind protocol.ActivityKind, summaryPart string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Kind == kind && strings.Contains(e.Summary, summaryPart) {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *recordingGateway, *activityRecorder) {
	t.Helper()
	gw := &recordingGateway{}
	srv := httptest.NewServer(gw.handler())
	t.Cleanup(srv.Close)
	client := gateway.NewClient(srv.URL, "test-key", discardLogger())
	rec := &activityRecorder{}
	all := append([]EngineOption{WithActivityHandler(rec.fn())}, opts...)
	e := NewEngine(client, discardLogger(), all...)
	return e, gw, rec
}

func staticGenerator(text string) GenerateFunc {
	return func(_ context.Context, _ string) (string, error) {
		return text, nil
	}
}

func TestDedupKeyPerType(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	e, _, _ := newTestEngine(t)
	e.now = func() time.Time { return fixed }

	longPreview := strings.Repeat("x", 80)
	tests := []struct {
		name string
		sig  *protocol.Signal
		want string
	}{
		{"dm", &protocol.Signal{Type: protocol.SignalDMReceived, SenderAddress: "0xABC"}, "dm:0xabc"},
		{"follower", &protocol.Signal{Type: protocol.SignalNewFollower, SenderAddress: "0xDef"}, "follower:0xdef"},
		{"channel message", &protocol.Signal{
			Type: protocol.SignalChannelMessage, ChannelID: "ch1",
			SenderAddress: "0xA", MessagePreview: "hello",
		}, "ch:ch1:0xa:hello"},
		{"channel preview clipped", &protocol.Signal{
			Type: protocol.SignalChannelMention, ChannelID: "ch2",
			SenderAddress: "0xA", MessagePreview: longPreview,
		}, "ch:ch2:0xa:" + longPreview[:50]},
		{"channel preview clipped on rune boundary", &protocol.Signal{
			Type: protocol.SignalChannelMessage, ChannelID: "ch3",
			SenderAddress: "0xA", MessagePreview: strings.Repeat("é", 60),
		}, "ch:ch3:0xa:" + strings.Repeat("é", 50)},
		{"commit by id", &protocol.Signal{Type: protocol.SignalFilesCommitted, CommitID: "c42", SenderAddress: "0xA"}, "commit:c42"},
		{"commit fallback to addr", &protocol.Signal{Type: protocol.SignalFilesCommitted, SenderAddress: "0xA"}, "commit:0xa"},
		{"review", &protocol.Signal{Type: protocol.SignalReviewSubmitted, CommitID: "c42", SenderAddress: "0xA"}, "review:c42:0xa"},
		{"collaborator", &protocol.Signal{Type: protocol.SignalCollaboratorAdded, ProjectID: "p1", SenderAddress: "0xA"}, "collab:p1:0xa"},
		{"time to post", &protocol.Signal{Type: protocol.SignalTimeToPost}, "post:2026-03-14"},
		{"new project by agent", &protocol.Signal{Type: protocol.SignalTimeToCreateProject, AgentID: "agent-7"}, "newproj:agent-7"},
		{"interesting project", &protocol.Signal{Type: protocol.SignalInterestingProject, ProjectID: "p9", SenderAddress: "0xB"}, "proj_disc:p9:0xb"},
		{"collab request by requester", &protocol.Signal{
			Type: protocol.SignalCollabRequest, ProjectID: "p1",
			Extra: map[string]any{"requesterAddress": "0xreq"},
		}, "collab_req:p1:0xreq"},
		{"sender id fallback", &protocol.Signal{
			Type:  protocol.SignalDMReceived,
			Extra: map[string]any{"senderId": "Agent9"},
		}, "dm:agent9"},
		{"default composite", &protocol.Signal{
			Type: protocol.SignalBounty, SenderAddress: "0xA", ChannelID: "ch1", PostCID: "cid1",
		}, "bounty:0xa:ch1:cid1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := e.dedupKey(tc.sig); got != tc.want {
				t.Errorf("dedupKey = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestHandleSignalDeduplicates(t *testing.T) {
	e, gw, rec := newTestEngine(t, WithGenerator(staticGenerator("hi there")))
	sig := &protocol.Signal{Type: protocol.SignalDMReceived, SenderAddress: "0xSender"}

	e.HandleSignal(context.Background(), sig)
	e.HandleSignal(context.Background(), sig)

	if got := gw.postCount("/v1/inbox/send"); got != 1 {
		t.Fatalf("expected 1 DM send, got %d", got)
	}
	if !rec.has(protocol.ActivityActionSkipped, "Duplicate signal skipped: dm_received") {
		t.Error("expected duplicate-skipped activity")
	}
}

func TestDedupRetentionPurge(t *testing.T) {
	current := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	e, gw, _ := newTestEngine(t, WithGenerator(staticGenerator("reply")))
	e.now = func() time.Time { return current }

	sig := &protocol.Signal{Type: protocol.SignalDMReceived, SenderAddress: "0xSender"}
	e.HandleSignal(context.Background(), sig)
	current = current.Add(30 * time.Minute)
	e.HandleSignal(context.Background(), sig)
	if got := gw.postCount("/v1/inbox/send"); got != 1 {
		t.Fatalf("signal inside retention window was reprocessed, sends=%d", got)
	}

	current = current.Add(time.Hour)
	e.HandleSignal(context.Background(), sig)
	if got := gw.postCount("/v1/inbox/send"); got != 2 {
		t.Fatalf("expired dedup entry was not purged, sends=%d", got)
	}
}

func TestOnePostPerDay(t *testing.T) {
	current := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	e, _, rec := newTestEngine(t, WithGenerator(staticGenerator("[SKIP]")), WithDedupRetention(48*time.Hour))
	e.now = func() time.Time { return current }

	sig := &protocol.Signal{Type: protocol.SignalTimeToPost, Community: "general"}
	e.HandleSignal(context.Background(), sig)
	if !rec.has(protocol.ActivityActionSkipped, "Skipped posting in #general") {
		t.Fatal("expected skip activity for first time_to_post")
	}

	current = current.Add(2 * time.Hour)
	e.HandleSignal(context.Background(), sig)
	if got := rec.count(protocol.ActivityActionSkipped, "Duplicate signal skipped: time_to_post"); got != 1 {
		t.Fatalf("same-day time_to_post not deduplicated, dup count=%d", got)
	}

	current = current.Add(24 * time.Hour)
	e.HandleSignal(context.Background(), sig)
	if got := rec.count(protocol.ActivityActionSkipped, "Skipped posting in #general"); got != 2 {
		t.Fatalf("next-day time_to_post should be processed again, got %d", got)
	}
}

func TestChannelCooldown(t *testing.T) {
	current := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	e, gw, rec := newTestEngine(t, WithGenerator(staticGenerator("sure!")), WithCooldown(2*time.Minute))
	e.now = func() time.Time { return current }

	sendSig := func(preview string) {
		e.HandleSignal(context.Background(), &protocol.Signal{
			Type:           protocol.SignalChannelMessage,
			ChannelID:      "ch1",
			ChannelName:    "dev",
			SenderAddress:  "0xOther",
			MessagePreview: preview,
		})
	}

	sendSig("first")
	if got := gw.postCount("/messages"); got != 1 {
		t.Fatalf("expected 1 channel send, got %d", got)
	}
	if !rec.has(protocol.ActivityActionExecuted, "Responded in #dev (5 chars)") {
		t.Error("expected response activity for first message")
	}

	// Inside the cooldown window the engine stays silent.
	current = current.Add(time.Minute)
	sendSig("second")
	if got := gw.postCount("/messages"); got != 1 {
		t.Fatalf("cooldown not enforced, sends=%d", got)
	}

	// Suppressed messages must not extend the window.
	current = current.Add(90 * time.Second)
	sendSig("third")
	if got := gw.postCount("/messages"); got != 2 {
		t.Fatalf("cooldown window was extended by a suppressed message, sends=%d", got)
	}
}

func TestChannelSkipSentinelDoesNotMarkCooldown(t *testing.T) {
	current := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	reply := "[SKIP]"
	gen := func(_ context.Context, _ string) (string, error) { return reply, nil }
	e, gw, _ := newTestEngine(t, WithGenerator(gen), WithCooldown(2*time.Minute))
	e.now = func() time.Time { return current }

	sig := func(preview string) *protocol.Signal {
		return &protocol.Signal{
			Type: protocol.SignalChannelMessage, ChannelID: "ch1",
			SenderAddress: "0xOther", MessagePreview: preview,
		}
	}

	e.HandleSignal(context.Background(), sig("a"))
	if got := gw.postCount("/messages"); got != 0 {
		t.Fatalf("skip sentinel produced a send, sends=%d", got)
	}

	// A skipped turn leaves the channel immediately available.
	reply = "ok"
	e.HandleSignal(context.Background(), sig("b"))
	if got := gw.postCount("/messages"); got != 1 {
		t.Fatalf("expected send after skipped turn, sends=%d", got)
	}
}

func TestChannelIgnoresOwnMessages(t *testing.T) {
	e, gw, _ := newTestEngine(t, WithGenerator(staticGenerator("echo")))
	e.SetAddress("0xSELF")

	e.HandleSignal(context.Background(), &protocol.Signal{
		Type: protocol.SignalChannelMessage, ChannelID: "ch1",
		SenderAddress: "0xself", MessagePreview: "my own words",
	})
	if got := gw.postCount("/messages"); got != 0 {
		t.Fatalf("engine replied to its own message, sends=%d", got)
	}
}

func TestNoGeneratorSkipsSignal(t *testing.T) {
	e, gw, rec := newTestEngine(t)

	e.HandleSignal(context.Background(), &protocol.Signal{
		Type: protocol.SignalDMReceived, SenderAddress: "0xSender",
	})
	if got := gw.postCount("/v1/inbox/send"); got != 0 {
		t.Fatalf("unexpected send without generator, sends=%d", got)
	}
	if !rec.has(protocol.ActivityActionSkipped, "No generator configured, signal dm_received dropped") {
		t.Error("expected no-generator skip activity")
	}
}

func TestUnknownSignalSkipped(t *testing.T) {
	e, _, rec := newTestEngine(t, WithGenerator(staticGenerator("?")))

	e.HandleSignal(context.Background(), &protocol.Signal{Type: "mystery_event"})
	if !rec.has(protocol.ActivityActionSkipped, "Unhandled signal type: mystery_event") {
		t.Error("expected unhandled-type skip activity")
	}
}

func TestServiceSignalSkipped(t *testing.T) {
	e, _, rec := newTestEngine(t, WithGenerator(staticGenerator("?")))

	e.HandleSignal(context.Background(), &protocol.Signal{
		Type:  protocol.SignalService,
		Extra: map[string]any{"title": "Code review as a service"},
	})
	if !rec.has(protocol.ActivityActionSkipped, "Service listing discovered: Code review as a service (skipping)") {
		t.Error("expected service-listing skip activity")
	}
}

func TestSignalHandlerOverride(t *testing.T) {
	var got *protocol.Signal
	handler := func(_ context.Context, sig *protocol.Signal) error {
		got = sig
		return nil
	}
	e, gw, _ := newTestEngine(t, WithGenerator(staticGenerator("built-in")), WithSignalHandler(handler))

	e.HandleSignal(context.Background(), &protocol.Signal{
		Type: protocol.SignalDMReceived, SenderAddress: "0xSender",
	})
	if got == nil || got.SenderAddress != "0xSender" {
		t.Fatal("override handler did not receive the signal")
	}
	if n := gw.postCount("/v1/inbox/send"); n != 0 {
		t.Fatalf("built-in path ran despite override, sends=%d", n)
	}
}

func TestStopIgnoresEventsButKeepsDedupState(t *testing.T) {
	e, gw, _ := newTestEngine(t, WithGenerator(staticGenerator("hi")))
	bus := events.NewBus(discardLogger())
	e.Start(bus)

	env, err := protocol.NewEnvelope(protocol.EventProactiveSignal, map[string]any{
		"signalType": "dm_received", "senderAddress": "0xSender",
	})
	if err != nil {
		t.Fatal(err)
	}
	bus.DispatchEnvelope(context.Background(), env)
	if got := gw.postCount("/v1/inbox/send"); got != 1 {
		t.Fatalf("expected 1 send while running, got %d", got)
	}

	e.Stop()
	env2, _ := protocol.NewEnvelope(protocol.EventProactiveSignal, map[string]any{
		"signalType": "dm_received", "senderAddress": "0xOther",
	})
	bus.DispatchEnvelope(context.Background(), env2)
	if got := gw.postCount("/v1/inbox/send"); got != 1 {
		t.Fatalf("stopped engine still processed events, sends=%d", got)
	}

	// Restarting keeps the dedup table: the first sender stays deduplicated.
	e.Start(bus)
	bus.DispatchEnvelope(context.Background(), env)
	if got := gw.postCount("/v1/inbox/send"); got != 1 {
		t.Fatalf("dedup state lost across stop/start, sends=%d", got)
	}
}

func TestMalformedSignalPayloadDropped(t *testing.T) {
	e, _, rec := newTestEngine(t, WithGenerator(staticGenerator("hi")))
	bus := events.NewBus(discardLogger())
	e.Start(bus)

	bus.DispatchEnvelope(context.Background(), &protocol.Envelope{
		Type: protocol.EventProactiveSignal,
		Data: json.RawMessage(`"not an object"`),
	})
	rec.mu.Lock()
	n := len(rec.entries)
	rec.mu.Unlock()
	if n != 0 {
		t.Fatalf("malformed payload produced %d activity entries", n)
	}
}

func TestActivityHandlerPanicIsolated(t *testing.T) {
	gw := &recordingGateway{}
	srv := httptest.NewServer(gw.handler())
	t.Cleanup(srv.Close)
	client := gateway.NewClient(srv.URL, "test-key", discardLogger())

	e := NewEngine(client, discardLogger(),
		WithGenerator(staticGenerator("hi")),
		WithActivityHandler(func(protocol.ActivityKind, string, map[string]any) {
			panic("operator hook exploded")
		}),
	)
	e.HandleSignal(context.Background(), &protocol.Signal{
		Type: protocol.SignalDMReceived, SenderAddress: "0xSender",
	})
	if got := gw.postCount("/v1/inbox/send"); got != 1 {
		t.Fatalf("panicking activity handler blocked signal handling, sends=%d", got)
	}
}

func TestGenerateTrimmed(t *testing.T) {
	e := NewEngine(nil, discardLogger(), WithGenerator(staticGenerator("  padded  ")))
	out, err := e.generateTrimmed(context.Background(), "p")
	if err != nil || out != "padded" {
		t.Fatalf("got (%q, %v), want trimmed text", out, err)
	}

	e.generate = staticGenerator("[SKIP]")
	out, err = e.generateTrimmed(context.Background(), "p")
	if err != nil || out != "" {
		t.Fatalf("skip sentinel should collapse to empty, got (%q, %v)", out, err)
	}
}

func TestHelperFormatting(t *testing.T) {
	if got := shortAddr("0x1234567890abcdef"); got != "0x12345678..." {
		t.Errorf("shortAddr = %q", got)
	}
	if got := shortID("short-id"); got != "short-id" {
		t.Errorf("shortID kept = %q", got)
	}
	if got := shortID("0123456789abcdef"); got != "0123456789ab..." {
		t.Errorf("shortID clipped = %q", got)
	}
	if got := clip(strings.Repeat("日", 20), 10); got != strings.Repeat("日", 10) {
		t.Errorf("clip on multi-byte runes = %q", got)
	}
	if got := clip(strings.Repeat("日", 20), 10); !utf8.ValidString(got) {
		t.Errorf("clip produced invalid UTF-8: %q", got)
	}
	if !hasCollabKeyword("I want to CONTRIBUTE to this") {
		t.Error("expected collab keyword match")
	}
	if hasCollabKeyword("nice weather today") {
		t.Error("unexpected collab keyword match")
	}
}
