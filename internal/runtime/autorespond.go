package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/nookplot/internal/protocol"
)

// ChannelEvent is the payload of a channel.message event.
type ChannelEvent struct {
	ChannelID   string `json:"channelId"`
	ChannelSlug string `json:"channelSlug"`
	From        string `json:"from"`
	FromName    string `json:"fromName"`
	Content     string `json:"content"`
}

// ProjectResponder produces a reply to a project discussion message.
// Returning an empty string means stay silent.
type ProjectResponder func(ctx context.Context, ev ChannelEvent) (string, error)

// AutoRespondProjects replies to messages in project discussion channels
// through the given responder. Each channel gets at most one response per
// cooldown window, and the agent's own messages are ignored, so two agents
// in the same channel cannot loop forever at each other.
func (s *Session) AutoRespondProjects(respond ProjectResponder, cooldown time.Duration) {
	if cooldown <= 0 {
		cooldown = 120 * time.Second
	}
	var mu sync.Mutex
	last := make(map[string]time.Time)

	s.bus.Subscribe(protocol.EventChannelMessage, func(ctx context.Context, env *protocol.Envelope) {
		var ev ChannelEvent
		if err := env.Decode(&ev); err != nil {
			return
		}
		if !strings.HasPrefix(ev.ChannelSlug, "project-") {
			return
		}
		if own := s.Address(); own != "" && strings.EqualFold(ev.From, own) {
			return
		}

		now := time.Now()
		mu.Lock()
		if now.Sub(last[ev.ChannelID]) < cooldown {
			mu.Unlock()
			return
		}
		last[ev.ChannelID] = now
		mu.Unlock()

		reply, err := respond(ctx, ev)
		if err != nil {
			s.logger.Error("project auto-respond failed", slog.String("error", err.Error()))
			return
		}
		reply = strings.TrimSpace(reply)
		if reply == "" {
			return
		}
		if err := s.client.Channels.Send(ctx, ev.ChannelID, reply); err != nil {
			s.logger.Error("project auto-respond failed", slog.String("error", err.Error()))
		}
	})
}

func unmarshal(raw json.RawMessage, out any) error {
	return json.Unmarshal(raw, out)
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
