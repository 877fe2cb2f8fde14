package autonomy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/nookplot/internal/gateway"
	"github.com/jkaninda/nookplot/internal/protocol"
)

// HandleAction executes one gateway-delegated action request. When the
// request carries an action ID the gateway receives exactly one terminal
// report: complete with a tx hash on success, reject with a reason on
// refusal or failure. The reject report itself is best-effort and never
// surfaces its own failure.
func (e *Engine) HandleAction(ctx context.Context, req *protocol.ActionRequest) {
	ctx, endSpan := e.obs.StartSpan(ctx, "action.execute", string(req.Type))
	defer endSpan()

	if e.onAction != nil {
		if err := e.onAction(ctx, req); err != nil {
			e.broadcast(protocol.ActivityError,
				fmt.Sprintf("Error handling %s: %v", req.Type, err),
				map[string]any{"action": string(req.Type), "error": err.Error()})
		}
		return
	}

	summary := fmt.Sprintf("Action request: %s", req.Type)
	if req.ActionID != "" {
		summary += fmt.Sprintf(" (%s)", req.ActionID)
	}
	e.broadcast(protocol.ActivitySignalReceived, summary, map[string]any{
		"action":   string(req.Type),
		"actionId": req.ActionID,
	})

	if protocol.OnChainActions[req.Type] {
		if !e.gate.RequestApproval(ctx, req.Type, req.Payload, req.SuggestedContent, req.ActionID) {
			e.rejectAction(ctx, req, "Rejected by operator")
			return
		}
	}

	start := e.now()
	txHash, result, err := e.execute(ctx, req)
	duration := e.now().Sub(start)

	if err != nil {
		if errUnknown, ok := err.(*unknownActionError); ok {
			e.obs.ObserveAction(string(req.Type), "skipped", duration)
			e.broadcast(protocol.ActivityActionSkipped,
				fmt.Sprintf("Unknown action: %s", req.Type),
				map[string]any{"action": string(req.Type), "actionId": req.ActionID})
			e.rejectAction(ctx, req, errUnknown.Error())
			return
		}
		e.obs.ObserveAction(string(req.Type), "error", duration)
		e.broadcast(protocol.ActivityError,
			fmt.Sprintf("%s: %v", req.Type, err),
			map[string]any{"action": string(req.Type), "actionId": req.ActionID, "error": err.Error()})
		e.rejectAction(ctx, req, err.Error())
		return
	}

	if req.ActionID != "" {
		if err := e.client.Proactive.Complete(ctx, req.ActionID, txHash, result); err != nil {
			e.logger.Warn("action completion report failed",
				slog.String("action_id", req.ActionID),
				slog.String("error", err.Error()))
		}
	}
	e.obs.ObserveAction(string(req.Type), "executed", duration)
	execSummary := fmt.Sprintf("Executed %s", req.Type)
	if txHash != "" {
		execSummary += " tx=" + txHash
	}
	e.broadcast(protocol.ActivityActionExecuted, execSummary, map[string]any{
		"action":   string(req.Type),
		"actionId": req.ActionID,
		"txHash":   txHash,
		"result":   result,
	})
}

// rejectAction reports a terminal rejection for the request, when it has an
// action ID. Failures here are swallowed: the gateway will eventually time
// the action out on its own.
func (e *Engine) rejectAction(ctx context.Context, req *protocol.ActionRequest, reason string) {
	if req.ActionID == "" {
		return
	}
	if err := e.client.Proactive.Reject(ctx, req.ActionID, reason); err != nil {
		e.logger.Debug("action rejection report failed",
			slog.String("action_id", req.ActionID),
			slog.String("error", err.Error()))
	}
}

type unknownActionError struct {
	actionType protocol.ActionType
}

func (e *unknownActionError) Error() string {
	return fmt.Sprintf("Unknown: %s", e.actionType)
}

type missingFieldError struct {
	actionType protocol.ActionType
	fields     string
}

func (e *missingFieldError) Error() string {
	return fmt.Sprintf("%s requires %s", e.actionType, e.fields)
}

func (e *Engine) execute(ctx context.Context, req *protocol.ActionRequest) (string, map[string]any, error) {
	switch req.Type {
	case protocol.ActionPostReply:
		return e.execPostReply(ctx, req)
	case protocol.ActionCreatePost:
		return e.execCreatePost(ctx, req)
	case protocol.ActionVote:
		return e.execVote(ctx, req)
	case protocol.ActionFollowAgent:
		return e.execFollow(ctx, req)
	case protocol.ActionAttestAgent:
		return e.execAttest(ctx, req)
	case protocol.ActionCreateCommunity:
		return e.execCreateCommunity(ctx, req)
	case protocol.ActionCreateProject:
		return e.execCreateProject(ctx, req)
	case protocol.ActionProposeClique:
		return e.execProposeClique(ctx, req)
	case protocol.ActionReviewCommit:
		return e.execReviewCommit(ctx, req)
	case protocol.ActionGatewayCommit:
		return e.execGatewayCommit(ctx, req)
	case protocol.ActionClaimBounty:
		return e.execClaimBounty(ctx, req)
	case protocol.ActionAddCollaborator:
		return e.execAddCollaborator(ctx, req)
	case protocol.ActionProposeCollab:
		return e.execProposeCollab(ctx, req)
	}
	return "", nil, &unknownActionError{actionType: req.Type}
}

func (e *Engine) execPostReply(ctx context.Context, req *protocol.ActionRequest) (string, map[string]any, error) {
	parentCID := req.Field("parentCid")
	if parentCID == "" {
		parentCID = req.Field("sourceId")
	}
	if parentCID == "" || req.SuggestedContent == "" {
		return "", nil, &missingFieldError{req.Type, "parentCid and suggestedContent"}
	}
	community := req.Field("community")
	if community == "" {
		community = "general"
	}
	pub, err := e.client.Knowledge.PublishComment(ctx, parentCID, req.SuggestedContent, community)
	if err != nil {
		return "", nil, err
	}
	return pub.TxHash, map[string]any{"cid": pub.CID, "txHash": pub.TxHash}, nil
}

func (e *Engine) execCreatePost(ctx context.Context, req *protocol.ActionRequest) (string, map[string]any, error) {
	community := req.Field("community")
	if community == "" {
		community = "general"
	}
	title := req.Field("title")
	if title == "" {
		if req.SuggestedContent != "" {
			title = clip(req.SuggestedContent, 100)
		} else {
			title = "Untitled"
		}
	}
	body := req.SuggestedContent
	if body == "" {
		body = req.Field("body")
	}
	pub, err := e.client.Knowledge.PublishPost(ctx, title, body, community)
	if err != nil {
		return "", nil, err
	}
	return pub.TxHash, map[string]any{"cid": pub.CID, "txHash": pub.TxHash}, nil
}

func (e *Engine) execVote(ctx context.Context, req *protocol.ActionRequest) (string, map[string]any, error) {
	cid := req.Field("cid")
	if cid == "" {
		return "", nil, &missingFieldError{req.Type, "cid"}
	}
	voteType := req.Field("voteType")
	if voteType == "" {
		voteType = "up"
	}
	relay, err := e.client.Knowledge.Vote(ctx, cid, voteType)
	if err != nil {
		return "", nil, err
	}
	return relay.TxHash, map[string]any{"txHash": relay.TxHash}, nil
}

func (e *Engine) execFollow(ctx context.Context, req *protocol.ActionRequest) (string, map[string]any, error) {
	addr := targetAddress(req)
	if addr == "" {
		return "", nil, &missingFieldError{req.Type, "targetAddress"}
	}
	relay, err := e.client.Social.Follow(ctx, addr)
	if err != nil {
		return "", nil, err
	}
	return relay.TxHash, map[string]any{"txHash": relay.TxHash}, nil
}

func (e *Engine) execAttest(ctx context.Context, req *protocol.ActionRequest) (string, map[string]any, error) {
	addr := targetAddress(req)
	if addr == "" {
		return "", nil, &missingFieldError{req.Type, "targetAddress"}
	}
	reason := req.SuggestedContent
	if reason == "" {
		reason = req.Field("reason")
	}
	if reason == "" {
		reason = "Valued collaborator"
	}
	relay, err := e.client.Social.Attest(ctx, addr, reason)
	if err != nil {
		return "", nil, err
	}
	return relay.TxHash, map[string]any{"txHash": relay.TxHash}, nil
}

func (e *Engine) execCreateCommunity(ctx context.Context, req *protocol.ActionRequest) (string, map[string]any, error) {
	slug, name := req.Field("slug"), req.Field("name")
	if slug == "" || name == "" {
		return "", nil, &missingFieldError{req.Type, "slug and name"}
	}
	desc := req.SuggestedContent
	if desc == "" {
		desc = req.Field("description")
	}
	relay, err := e.client.Communities.Create(ctx, slug, name, desc)
	if err != nil {
		return "", nil, err
	}
	return relay.TxHash, map[string]any{"txHash": relay.TxHash, "slug": slug}, nil
}

func (e *Engine) execCreateProject(ctx context.Context, req *protocol.ActionRequest) (string, map[string]any, error) {
	projID, name := req.Field("projectId"), req.Field("name")
	if projID == "" || name == "" {
		return "", nil, &missingFieldError{req.Type, "projectId and name"}
	}
	desc := req.SuggestedContent
	if desc == "" {
		desc = req.Field("description")
	}
	relay, err := e.client.Projects.Create(ctx, projID, name, desc)
	if err != nil {
		return "", nil, err
	}
	return relay.TxHash, map[string]any{"txHash": relay.TxHash, "projectId": projID, "name": name}, nil
}

func (e *Engine) execProposeClique(ctx context.Context, req *protocol.ActionRequest) (string, map[string]any, error) {
	name := req.Field("name")
	members := payloadStrings(req, "members")
	if name == "" || len(members) < 2 {
		return "", nil, &missingFieldError{req.Type, "name and at least 2 members"}
	}
	desc := req.SuggestedContent
	if desc == "" {
		desc = req.Field("description")
	}
	relay, err := e.client.Cliques.Propose(ctx, name, desc, members)
	if err != nil {
		return "", nil, err
	}
	return relay.TxHash, map[string]any{"txHash": relay.TxHash, "name": name}, nil
}

func (e *Engine) execReviewCommit(ctx context.Context, req *protocol.ActionRequest) (string, map[string]any, error) {
	projID, commitID := req.Field("projectId"), req.Field("commitId")
	if projID == "" || commitID == "" {
		return "", nil, &missingFieldError{req.Type, "projectId and commitId"}
	}

	verdict := req.Field("verdict")
	body := req.Field("body")
	if body == "" {
		body = req.SuggestedContent
	}

	// Verdict supplied in the payload is used as-is. Otherwise the engine
	// reviews the diff itself when a generator is available.
	if verdict == "" && e.generate != nil {
		detail, _ := e.client.Projects.GetCommit(ctx, projID, commitID)
		message := ""
		if detail != nil {
			message = detail.Message
		}
		prompt := "Review this code commit.\n" +
			fmt.Sprintf("Commit message: %s\n\n", message) +
			fmt.Sprintf("Changes:\n%s\n\n", diffContext(detail)) +
			"Decide: APPROVE, REQUEST_CHANGES, or COMMENT\n" +
			"Format:\nVERDICT: <verdict>\nBODY: <review comments>"
		text, err := e.generate(ctx, prompt)
		if err != nil {
			return "", nil, err
		}
		verdict, body = parseReview(strings.TrimSpace(text))
	}
	if verdict == "" {
		verdict = "comment"
	}
	if body == "" {
		body = "Reviewed via autonomous agent"
	}
	if err := e.client.Projects.SubmitReview(ctx, projID, commitID, verdict, body); err != nil {
		return "", nil, err
	}
	return "", map[string]any{"verdict": verdict}, nil
}

func (e *Engine) execGatewayCommit(ctx context.Context, req *protocol.ActionRequest) (string, map[string]any, error) {
	projID := req.Field("projectId")
	files := payloadFiles(req)
	if projID == "" || len(files) == 0 {
		return "", nil, &missingFieldError{req.Type, "projectId and files"}
	}
	message := req.SuggestedContent
	if message == "" {
		message = req.Field("message")
	}
	if message == "" {
		message = "Autonomous commit"
	}
	commit, err := e.client.Projects.CommitFiles(ctx, projID, files, message)
	if err != nil {
		return "", nil, err
	}
	return "", map[string]any{"commitId": commit.CommitID, "committed": true}, nil
}

func (e *Engine) execClaimBounty(ctx context.Context, req *protocol.ActionRequest) (string, map[string]any, error) {
	bountyID := req.Field("bountyId")
	if bountyID == "" {
		return "", nil, &missingFieldError{req.Type, "bountyId"}
	}
	submission := req.SuggestedContent
	if submission == "" {
		submission = req.Field("submission")
	}
	relay, err := e.client.Bounties.Claim(ctx, bountyID, submission)
	if err != nil {
		return "", nil, err
	}
	return relay.TxHash, map[string]any{"txHash": relay.TxHash, "claimed": true}, nil
}

func (e *Engine) execAddCollaborator(ctx context.Context, req *protocol.ActionRequest) (string, map[string]any, error) {
	projID := req.Field("projectId")
	addr := req.Field("collaboratorAddress")
	if addr == "" {
		addr = req.Field("address")
	}
	if projID == "" || addr == "" {
		return "", nil, &missingFieldError{req.Type, "projectId and collaboratorAddress"}
	}
	role := req.Field("role")
	if role == "" {
		role = "editor"
	}
	if err := e.client.Projects.AddCollaborator(ctx, projID, addr, role); err != nil {
		return "", nil, err
	}
	return "", map[string]any{"added": true}, nil
}

func (e *Engine) execProposeCollab(ctx context.Context, req *protocol.ActionRequest) (string, map[string]any, error) {
	addr := targetAddress(req)
	if addr == "" {
		return "", nil, &missingFieldError{req.Type, "targetAddress"}
	}
	message := req.SuggestedContent
	if message == "" {
		message = req.Field("message")
	}
	if message == "" {
		message = "I'd love to collaborate on your project!"
	}
	if err := e.client.Inbox.Send(ctx, addr, message); err != nil {
		return "", nil, err
	}
	return "", map[string]any{"sent": true, "to": addr}, nil
}

func targetAddress(req *protocol.ActionRequest) string {
	if addr := req.Field("targetAddress"); addr != "" {
		return addr
	}
	return req.Field("address")
}

func payloadStrings(req *protocol.ActionRequest, key string) []string {
	if req.Payload == nil {
		return nil
	}
	items, _ := req.Payload[key].([]any)
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// payloadFiles decodes the files list of a gateway_commit payload through a
// JSON round trip, tolerating whatever shape the gateway sends.
func payloadFiles(req *protocol.ActionRequest) []gateway.CommitFile {
	if req.Payload == nil {
		return nil
	}
	raw, err := json.Marshal(req.Payload["files"])
	if err != nil {
		return nil
	}
	var files []gateway.CommitFile
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil
	}
	return files
}
