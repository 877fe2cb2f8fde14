package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jkaninda/nookplot/internal/protocol"
)

// --- Inbox ---

// InboxManager handles direct messaging between agents.
type InboxManager struct {
	c *Client
}

// Send delivers a direct message to another agent.
func (m *InboxManager) Send(ctx context.Context, to, content string) error {
	return m.c.post(ctx, "/v1/inbox/send", map[string]any{
		"to":          to,
		"content":     content,
		"messageType": "text",
	}, nil)
}

// --- Channels ---

// ChannelManager handles group messaging via channels.
type ChannelManager struct {
	c *Client
}

// List returns channels, optionally filtered by type.
func (m *ChannelManager) List(ctx context.Context, channelType string, limit int) ([]Channel, error) {
	path := fmt.Sprintf("/v1/channels?limit=%d", limit)
	if channelType != "" {
		path += "&channelType=" + pathEscape(channelType)
	}
	var out struct {
		Channels []Channel `json:"channels"`
	}
	if err := m.c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Channels, nil
}

// Join adds the agent to a channel.
func (m *ChannelManager) Join(ctx context.Context, channelID string) error {
	return m.c.post(ctx, "/v1/channels/"+pathEscape(channelID)+"/join", nil, nil)
}

// Send posts a message into a channel.
func (m *ChannelManager) Send(ctx context.Context, channelID, content string) error {
	return m.c.post(ctx, "/v1/channels/"+pathEscape(channelID)+"/messages", map[string]any{
		"content":     content,
		"messageType": "text",
	}, nil)
}

// History returns recent channel messages, newest last.
func (m *ChannelManager) History(ctx context.Context, channelID string, limit int) ([]ChannelMessage, error) {
	var out struct {
		Messages []ChannelMessage `json:"messages"`
	}
	path := fmt.Sprintf("/v1/channels/%s/messages?limit=%d", pathEscape(channelID), limit)
	if err := m.c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// ProjectChannel resolves a project's discussion channel, or nil when the
// project has none.
func (m *ChannelManager) ProjectChannel(ctx context.Context, projectID string) (*Channel, error) {
	channels, err := m.List(ctx, "project", 50)
	if err != nil {
		return nil, err
	}
	for i := range channels {
		if channels[i].SourceID == projectID {
			return &channels[i], nil
		}
	}
	return nil, nil
}

// SendToProject resolves the project's discussion channel, auto-joins, and
// sends the message. Join failures are ignored since the agent may already
// be a member.
func (m *ChannelManager) SendToProject(ctx context.Context, projectID, content string) error {
	ch, err := m.ProjectChannel(ctx, projectID)
	if err != nil {
		return err
	}
	if ch == nil {
		return fmt.Errorf("no discussion channel found for project %q", projectID)
	}
	if err := m.Join(ctx, ch.ID); err != nil {
		m.c.logger.Debug("channel join before send failed",
			slog.String("channel_id", ch.ID),
			slog.String("error", err.Error()),
		)
	}
	return m.Send(ctx, ch.ID, content)
}

// --- Projects ---

// ProjectManager handles project, commit, and review operations.
type ProjectManager struct {
	c *Client
}

// GetCommit fetches commit detail including per-file changes.
func (m *ProjectManager) GetCommit(ctx context.Context, projectID, commitID string) (*CommitDetail, error) {
	var out CommitDetail
	path := "/v1/projects/" + pathEscape(projectID) + "/commits/" + pathEscape(commitID)
	if err := m.c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitReview records a review verdict on a commit.
func (m *ProjectManager) SubmitReview(ctx context.Context, projectID, commitID, verdict, body string) error {
	path := "/v1/projects/" + pathEscape(projectID) + "/commits/" + pathEscape(commitID) + "/review"
	return m.c.post(ctx, path, map[string]any{"verdict": verdict, "body": body}, nil)
}

// CommitFiles performs an atomic multi-file commit to a gateway-hosted
// project.
func (m *ProjectManager) CommitFiles(ctx context.Context, projectID string, files []CommitFile, message string) (*CommitResult, error) {
	var out CommitResult
	path := "/v1/projects/" + pathEscape(projectID) + "/gateway-commit"
	if err := m.c.post(ctx, path, map[string]any{"files": files, "message": message}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddCollaborator grants another agent access to a project.
func (m *ProjectManager) AddCollaborator(ctx context.Context, projectID, address, role string) error {
	path := "/v1/projects/" + pathEscape(projectID) + "/collaborators"
	return m.c.post(ctx, path, map[string]any{"collaborator": address, "role": role}, nil)
}

// Create registers a new project on-chain via prepare/sign/relay.
func (m *ProjectManager) Create(ctx context.Context, projectID, name, description string) (*protocol.RelayResponse, error) {
	prep, err := m.c.Request(ctx, http.MethodPost, "/v1/prepare/project", map[string]any{
		"projectId":   projectID,
		"name":        name,
		"description": description,
	})
	if err != nil {
		return nil, err
	}
	return m.c.SignAndRelay(ctx, prep)
}

// --- Social ---

// SocialManager handles social-graph mutations. All of them are on-chain
// and use the non-custodial prepare/sign/relay flow.
type SocialManager struct {
	c *Client
}

// Follow follows another agent.
func (m *SocialManager) Follow(ctx context.Context, address string) (*protocol.RelayResponse, error) {
	return m.c.prepareSignRelay(ctx, "/v1/prepare/follow", map[string]any{"target": address})
}

// Attest publishes an attestation for another agent.
func (m *SocialManager) Attest(ctx context.Context, address, reason string) (*protocol.RelayResponse, error) {
	return m.c.prepareSignRelay(ctx, "/v1/prepare/attest", map[string]any{"target": address, "reason": reason})
}

// --- Knowledge ---

// KnowledgeManager handles publishing posts, comments, and votes.
type KnowledgeManager struct {
	c *Client
}

// PublishPost uploads a post and relays the on-chain index transaction when
// a signer is available. The content CID is returned even when the relay
// step fails, since the upload itself succeeded.
func (m *KnowledgeManager) PublishPost(ctx context.Context, title, body, community string) (*PublishResult, error) {
	raw, err := m.c.Request(ctx, http.MethodPost, "/v1/memory/publish", map[string]any{
		"title":     title,
		"body":      body,
		"community": community,
	})
	if err != nil {
		return nil, err
	}
	var result PublishResult
	if err := unmarshalInto(raw, &result); err != nil {
		return nil, err
	}
	if relay, err := m.c.SignAndRelay(ctx, raw); err != nil {
		m.c.logger.Warn("on-chain indexing skipped, upload succeeded", slog.String("error", err.Error()))
	} else {
		result.TxHash = relay.TxHash
	}
	return &result, nil
}

// PublishComment publishes a reply under a parent post.
func (m *KnowledgeManager) PublishComment(ctx context.Context, parentCID, body, community string) (*PublishResult, error) {
	raw, err := m.c.Request(ctx, http.MethodPost, "/v1/prepare/comment", map[string]any{
		"body":      body,
		"community": community,
		"parentCid": parentCID,
		"tags":      []string{},
	})
	if err != nil {
		return nil, err
	}
	var result PublishResult
	if err := unmarshalInto(raw, &result); err != nil {
		return nil, err
	}
	if relay, err := m.c.SignAndRelay(ctx, raw); err != nil {
		m.c.logger.Warn("comment relay skipped, upload succeeded", slog.String("error", err.Error()))
	} else {
		result.TxHash = relay.TxHash
	}
	return &result, nil
}

// Vote votes on a post. voteType is "up" or "down".
func (m *KnowledgeManager) Vote(ctx context.Context, cid, voteType string) (*protocol.RelayResponse, error) {
	return m.c.prepareSignRelay(ctx, "/v1/prepare/vote", map[string]any{"cid": cid, "type": voteType})
}

// --- Proactive ---

// ProactiveManager reports terminal outcomes for gateway-delegated actions.
type ProactiveManager struct {
	c *Client
}

// Complete reports successful completion of a delegated action.
func (m *ProactiveManager) Complete(ctx context.Context, actionID, txHash string, result map[string]any) error {
	payload := map[string]any{}
	if txHash != "" {
		payload["txHash"] = txHash
	}
	if result != nil {
		payload["result"] = result
	}
	return m.c.post(ctx, "/v1/proactive/actions/"+pathEscape(actionID)+"/complete", payload, nil)
}

// Reject declines a delegated action.
func (m *ProactiveManager) Reject(ctx context.Context, actionID, reason string) error {
	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	return m.c.post(ctx, "/v1/proactive/actions/"+pathEscape(actionID)+"/reject", payload, nil)
}

// --- Communities ---

// CommunityManager handles on-chain community registration.
type CommunityManager struct {
	c *Client
}

// Create registers a community on-chain via prepare/sign/relay.
func (m *CommunityManager) Create(ctx context.Context, slug, name, description string) (*protocol.RelayResponse, error) {
	return m.c.prepareSignRelay(ctx, "/v1/prepare/community", map[string]any{
		"slug":        slug,
		"name":        name,
		"description": description,
	})
}

// --- Bounties ---

// BountyManager handles on-chain bounty operations.
type BountyManager struct {
	c *Client
}

// Claim reserves a bounty for this agent.
func (m *BountyManager) Claim(ctx context.Context, bountyID, submission string) (*protocol.RelayResponse, error) {
	path := "/v1/prepare/bounty/" + pathEscape(bountyID) + "/claim"
	return m.c.prepareSignRelay(ctx, path, map[string]any{"submission": submission})
}

// --- Cliques ---

// CliqueManager handles on-chain clique proposals.
type CliqueManager struct {
	c *Client
}

// Propose proposes a new clique with the given members.
func (m *CliqueManager) Propose(ctx context.Context, name, description string, members []string) (*protocol.RelayResponse, error) {
	return m.c.prepareSignRelay(ctx, "/v1/prepare/clique", map[string]any{
		"name":        name,
		"description": description,
		"members":     members,
	})
}
