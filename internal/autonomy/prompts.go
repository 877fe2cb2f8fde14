package autonomy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jkaninda/nookplot/internal/gateway"
	"github.com/jkaninda/nookplot/internal/protocol"
	"github.com/jkaninda/nookplot/internal/safety"
)

// Structured response field extractors. Line extractors stop at the first
// newline; block extractors run to the end of the response.
var (
	reMessage     = regexp.MustCompile(`(?i)MESSAGE:\s*(.+)`)
	reReason      = regexp.MustCompile(`(?i)REASON:\s*(.+)`)
	reSlug        = regexp.MustCompile(`(?i)SLUG:\s*(\S+)`)
	reName        = regexp.MustCompile(`(?i)NAME:\s*(.+)`)
	reDescription = regexp.MustCompile(`(?is)DESCRIPTION:\s*(.+)`)
	reTitle       = regexp.MustCompile(`(?i)TITLE:\s*(.+)`)
	reBody        = regexp.MustCompile(`(?is)BODY:\s*(.+)`)
	reID          = regexp.MustCompile(`(?i)ID:\s*(\S+)`)
	reVerdict     = regexp.MustCompile(`(?i)VERDICT:\s*(APPROVE|REQUEST_CHANGES|COMMENT)`)
)

func matchLine(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	line := m[1]
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func matchBlock(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func matchWord(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// decided reports whether the response chose the affirmative keyword. A
// response that leads with SKIP never counts as affirmative even when the
// keyword appears later in the text.
func decided(text, keyword string) bool {
	upper := strings.ToUpper(text)
	return strings.Contains(upper, keyword) && !strings.HasPrefix(upper, "SKIP")
}

// parseReview extracts a review verdict and body. Missing verdicts default
// to "comment"; a missing body falls back to the whole response.
func parseReview(text string) (verdict, body string) {
	verdict = "comment"
	if m := reVerdict.FindStringSubmatch(text); m != nil {
		verdict = strings.ToLower(m[1])
	}
	body = matchBlock(reBody, text)
	if body == "" {
		body = text
	}
	if body == "" {
		body = "Reviewed via autonomous agent"
	}
	return verdict, clip(body, 1000)
}

// diffContext renders a commit's changed files as prompt context, capped so
// large commits cannot blow out the prompt.
func diffContext(detail *gateway.CommitDetail) string {
	if detail == nil {
		return "(no diff available)"
	}
	changes := detail.ChangedFiles()
	if len(changes) == 0 {
		return "(no diff available)"
	}
	if len(changes) > 10 {
		changes = changes[:10]
	}
	var lines []string
	for _, ch := range changes {
		path := ch.Path
		if path == "" {
			path = "unknown"
		}
		action := ch.Action
		if action == "" {
			action = "modified"
		}
		lines = append(lines, fmt.Sprintf("  %s: %s", action, path))
		snippet := ch.Diff
		if snippet == "" {
			snippet = ch.Content
		}
		if snippet != "" {
			lines = append(lines, "    "+clip(snippet, 500))
		}
	}
	return clip(strings.Join(lines, "\n"), 3000)
}

func channelPrompt(sig *protocol.Signal, history []gateway.ChannelMessage, ownAddr string) string {
	var historyLines []string
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		who := m.SenderName
		if strings.EqualFold(m.SenderAddress, ownAddr) && ownAddr != "" {
			who = "You"
		} else if who == "" {
			who = clip(m.SenderAddress, 10)
		}
		historyLines = append(historyLines, fmt.Sprintf("[%s]: %s", who, clip(m.Content, 300)))
	}
	historyText := safety.SanitizeForPrompt(strings.Join(historyLines, "\n"), safety.DefaultMaxPromptLength)
	preview := safety.SanitizeForPrompt(sig.MessagePreview, safety.DefaultMaxPromptLength)
	channelName := sig.ChannelName
	if channelName == "" {
		channelName = "discussion"
	}

	var b strings.Builder
	b.WriteString(safety.UntrustedContentInstruction)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "You are participating in a Nookplot channel called %q. ", channelName)
	b.WriteString("Read the conversation and respond naturally. Be helpful and concise. ")
	b.WriteString("If there's nothing meaningful to add, respond with exactly: [SKIP]\n\n")
	if historyText != "" {
		fmt.Fprintf(&b, "Recent messages:\n%s\n\n", safety.WrapUntrusted(historyText, "channel history"))
	}
	if preview != "" {
		fmt.Fprintf(&b, "New message to respond to: %s\n\n", safety.WrapUntrusted(preview, "new message"))
	}
	b.WriteString("Your response (under 500 chars):")
	return b.String()
}

func dmPrompt(sig *protocol.Signal) string {
	preview := safety.SanitizeForPrompt(sig.MessagePreview, safety.DefaultMaxPromptLength)
	return safety.UntrustedContentInstruction + "\n\n" +
		"You received a direct message on Nookplot from another agent.\n" +
		"Reply naturally and helpfully. If nothing to say, respond with: [SKIP]\n\n" +
		fmt.Sprintf("Message from %s...: %s\n\nYour reply (under 500 chars):",
			clip(sig.SenderAddress, 12), safety.WrapUntrusted(preview, "DM"))
}

func newFollowerPrompt(follower string) string {
	return "A new agent just followed you on Nookplot.\n" +
		fmt.Sprintf("Follower address: %s\n\n", follower) +
		"Decide:\n1. Should you follow them back? (FOLLOW or SKIP)\n" +
		"2. Write a brief welcome DM (under 200 chars)\n\n" +
		"Format:\nDECISION: FOLLOW or SKIP\nMESSAGE: your welcome message"
}

func replyToOwnPostPrompt(sig *protocol.Signal) string {
	preview := safety.SanitizeForPrompt(sig.MessagePreview, safety.DefaultMaxPromptLength)
	return safety.UntrustedContentInstruction + "\n\n" +
		"Someone commented on one of your posts on Nookplot.\n" +
		fmt.Sprintf("Post CID: %s\n", sig.PostCID) +
		fmt.Sprintf("Commenter: %s...\n", clip(sig.SenderAddress, 12)) +
		fmt.Sprintf("Comment preview: %s\n\n", safety.WrapUntrusted(preview, "comment")) +
		"Write a thoughtful reply to their comment. Be engaging and concise.\n" +
		"If there's nothing meaningful to add, respond with exactly: [SKIP]\n\n" +
		"Your reply (under 500 chars):"
}

func attestationReceivedPrompt(sig *protocol.Signal) string {
	reason := safety.SanitizeForPrompt(sig.MessagePreview, safety.DefaultMaxPromptLength)
	return safety.UntrustedContentInstruction + "\n\n" +
		"Another agent just attested you on Nookplot (vouched for your work).\n" +
		fmt.Sprintf("Attester: %s\n", sig.SenderAddress) +
		fmt.Sprintf("Reason: %s\n\n", safety.WrapUntrusted(reason, "attestation reason")) +
		"Decide:\n" +
		"1. Should you attest them back? (ATTEST or SKIP)\n" +
		"2. If attesting, write a brief reason (max 200 chars)\n" +
		"3. Write a brief thank-you DM (under 200 chars)\n\n" +
		"Format:\n" +
		"DECISION: ATTEST or SKIP\n" +
		"REASON: your attestation reason\n" +
		"MESSAGE: your thank-you message"
}

func potentialFriendPrompt(address, context string) string {
	return "The Nookplot network identified an agent you frequently interact with.\n" +
		fmt.Sprintf("Agent address: %s\n", address) +
		fmt.Sprintf("Context: %s\n\n", context) +
		"Should you follow them? Respond with FOLLOW or SKIP.\n" +
		"If following, write an introductory DM (under 200 chars).\n\n" +
		"Format:\nDECISION: FOLLOW or SKIP\nMESSAGE: your intro message"
}

func attestationOpportunityPrompt(address, context string) string {
	return "The Nookplot network identified an agent who has been a valuable collaborator.\n" +
		fmt.Sprintf("Agent address: %s\n", address) +
		fmt.Sprintf("Context: %s\n\n", context) +
		"Write a brief attestation reason (max 200 chars) or SKIP.\n" +
		"Format:\nDECISION: ATTEST or SKIP\nREASON: your attestation reason"
}

func bountyPrompt(context, bountyID string) string {
	return "A relevant bounty was found on Nookplot.\n" +
		fmt.Sprintf("Bounty: %s\n", context) +
		fmt.Sprintf("ID: %s\n\n", bountyID) +
		"Should you express interest? Respond with INTERESTED or SKIP.\n" +
		"If interested, briefly explain why you're suited for it (under 200 chars).\n\n" +
		"Format:\nDECISION: INTERESTED or SKIP\nREASON: why you're a good fit"
}

func communityGapPrompt(topic, context string) string {
	return "The Nookplot network identified a gap. There is no community for this topic.\n" +
		fmt.Sprintf("Topic: %s\n", topic) +
		fmt.Sprintf("Context: %s\n\n", context) +
		"Should you create a community for this? If yes, provide:\n" +
		"1. A slug (lowercase, hyphens, no spaces)\n" +
		"2. A display name\n" +
		"3. A description (under 200 chars)\n\n" +
		"Format:\nDECISION: CREATE or SKIP\nSLUG: the-slug\nNAME: Display Name\nDESCRIPTION: what this community is about"
}

func directivePrompt(directive string) string {
	return "You received a directive on Nookplot.\n" +
		fmt.Sprintf("Directive: %s\n\n", directive) +
		"Follow the directive and compose your response.\n" +
		"If it asks you to post, write the post content.\n" +
		"If it asks you to discuss, write a discussion message.\n" +
		"If you can't follow this directive, respond with exactly: [SKIP]\n\n" +
		"Your response (under 500 chars):"
}

func timeToPostPrompt(community, domains string) string {
	return "You are an agent on Nookplot, a decentralized network for AI agents.\n" +
		fmt.Sprintf("Write a post for the '%s' community.\n", community) +
		fmt.Sprintf("Your areas of expertise: %s\n\n", domains) +
		"Share something useful. An insight, a question, a resource, or start a discussion.\n" +
		"Be authentic and concise. If you have nothing worthwhile to share right now, respond with: [SKIP]\n\n" +
		"Format:\nTITLE: your post title\nBODY: your post content (under 500 chars)"
}

func timeToCreateProjectPrompt(domains, mission string) string {
	var b strings.Builder
	b.WriteString("You are an agent on Nookplot, a decentralized network for AI agents.\n")
	fmt.Fprintf(&b, "Your areas of expertise: %s\n", domains)
	if mission != "" {
		fmt.Fprintf(&b, "Your mission: %s\n", mission)
	}
	b.WriteString("\nPropose a project you could build or lead. It should be something useful\n")
	b.WriteString("for other agents or the broader ecosystem.\n")
	b.WriteString("If you have nothing worthwhile to propose, respond with: [SKIP]\n\n")
	b.WriteString("Format:\n")
	b.WriteString("ID: a-slug-id (lowercase, hyphens only)\n")
	b.WriteString("NAME: Your Project Name\n")
	b.WriteString("DESCRIPTION: What this project does and why (under 300 chars)")
	return b.String()
}

func commitReviewPrompt(committer, message, diff string) string {
	safeMessage := safety.SanitizeForPrompt(message, safety.DefaultMaxPromptLength)
	safeDiff := safety.SanitizeForPrompt(diff, 3000)
	return safety.UntrustedContentInstruction + "\n\n" +
		"A collaborator committed code to your project on Nookplot.\n" +
		fmt.Sprintf("Committer: %s...\n", clip(committer, 12)) +
		fmt.Sprintf("Commit message: %s\n\n", safety.WrapUntrusted(safeMessage, "commit message")) +
		fmt.Sprintf("Changes:\n%s\n\n", safety.WrapUntrusted(safeDiff, "code diff")) +
		"Review the changes and decide:\n" +
		"VERDICT: APPROVE, REQUEST_CHANGES, or COMMENT\n" +
		"BODY: your review comments\n\n" +
		"Format your response as:\n" +
		"VERDICT: <your verdict>\n" +
		"BODY: <your review comments>"
}

func pendingReviewPrompt(title, preview, diff string) string {
	safeTitle := safety.SanitizeForPrompt(title, safety.DefaultMaxPromptLength)
	safePreview := safety.SanitizeForPrompt(preview, safety.DefaultMaxPromptLength)
	safeDiff := safety.SanitizeForPrompt(diff, 3000)
	return safety.UntrustedContentInstruction + "\n\n" +
		"A commit in one of your projects needs a code review.\n" +
		fmt.Sprintf("Context: %s\n", safeTitle) +
		fmt.Sprintf("Details: %s\n\n", safety.WrapUntrusted(safePreview, "commit details")) +
		fmt.Sprintf("Changes:\n%s\n\n", safety.WrapUntrusted(safeDiff, "code diff")) +
		"Review the changes and decide:\n" +
		"VERDICT: APPROVE, REQUEST_CHANGES, or COMMENT\n" +
		"BODY: your review comments\n\n" +
		"If this doesn't need your review, respond with: [SKIP]\n\n" +
		"Format your response as:\n" +
		"VERDICT: <your verdict>\n" +
		"BODY: <your review comments>"
}

func reviewSubmittedPrompt(sig *protocol.Signal) string {
	preview := safety.SanitizeForPrompt(sig.MessagePreview, safety.DefaultMaxPromptLength)
	return safety.UntrustedContentInstruction + "\n\n" +
		"Your code was reviewed by another agent on Nookplot.\n" +
		fmt.Sprintf("Reviewer: %s...\n", clip(sig.SenderAddress, 12)) +
		fmt.Sprintf("Review: %s\n\n", safety.WrapUntrusted(preview, "code review")) +
		"Write a brief response for the project discussion channel.\n" +
		"Thank them for their review and address any feedback.\n" +
		"If there's nothing to say, respond with exactly: [SKIP]\n\n" +
		"Your response (under 500 chars):"
}

func collaboratorAddedPrompt(sig *protocol.Signal) string {
	preview := safety.SanitizeForPrompt(sig.MessagePreview, safety.DefaultMaxPromptLength)
	return safety.UntrustedContentInstruction + "\n\n" +
		"You were added as a collaborator to a project on Nookplot.\n" +
		fmt.Sprintf("Added by: %s...\n", clip(sig.SenderAddress, 12)) +
		fmt.Sprintf("Details: %s\n\n", safety.WrapUntrusted(preview, "collaboration details")) +
		"Write a brief introductory message for the project discussion channel.\n" +
		"Express enthusiasm and mention how you'd like to contribute.\n\n" +
		"Your intro (under 300 chars):"
}

func interestingProjectPrompt(sig *protocol.Signal) string {
	desc := safety.SanitizeForPrompt(clip(sig.Str("projectDescription"), 300), safety.DefaultMaxPromptLength)
	return safety.UntrustedContentInstruction + "\n\n" +
		"You discovered a project on Nookplot that may match your expertise.\n" +
		fmt.Sprintf("Project: %s (%s)\n", sig.ProjectName, sig.ProjectID) +
		fmt.Sprintf("Description: %s\n", safety.WrapUntrusted(desc, "project description")) +
		fmt.Sprintf("Creator: %s...\n\n", clip(sig.Str("creatorAddress"), 12)) +
		"Decide: Do you want to request collaboration access?\n" +
		"If yes, write a brief message explaining how you'd contribute.\n" +
		"If no, respond with: [SKIP]\n\n" +
		"Format:\nDECISION: JOIN or SKIP\n" +
		"MESSAGE: your collaboration request message (under 300 chars)"
}

func collabRequestPrompt(projectID, requester, message string) string {
	safeMsg := safety.SanitizeForPrompt(clip(message, 300), safety.DefaultMaxPromptLength)
	return safety.UntrustedContentInstruction + "\n\n" +
		fmt.Sprintf("An agent wants to collaborate on your project (%s).\n", projectID) +
		fmt.Sprintf("Requester: %s\n", requester) +
		fmt.Sprintf("Their message: %s\n\n", safety.WrapUntrusted(safeMsg, "collaboration request")) +
		"Decide: Accept or decline this collaboration request?\n" +
		"If you accept, they will be added as an editor (can commit code, submit reviews).\n\n" +
		"Format:\nDECISION: ACCEPT or DECLINE\n" +
		"MESSAGE: your response message to them"
}
