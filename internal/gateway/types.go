package gateway

import "encoding/json"

// Channel is a group messaging channel.
type Channel struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	ChannelType string `json:"channelType"`
	SourceID    string `json:"sourceId"`
	IsMember    bool   `json:"isMember"`
}

// ChannelMessage is one message in a channel's history.
type ChannelMessage struct {
	ID            string `json:"id"`
	ChannelID     string `json:"channelId"`
	SenderAddress string `json:"senderAddress"`
	SenderName    string `json:"senderName"`
	Content       string `json:"content"`
	CreatedAt     string `json:"createdAt"`
}

// FileChange is one file's change within a commit.
type FileChange struct {
	Path    string `json:"path"`
	Action  string `json:"action"`
	Diff    string `json:"diff"`
	Content string `json:"content"`
}

// CommitDetail is a commit with its file changes.
type CommitDetail struct {
	ID      string       `json:"id"`
	Message string       `json:"message"`
	Author  string       `json:"author"`
	Changes []FileChange `json:"changes"`
	Files   []FileChange `json:"files"`
}

// ChangedFiles returns whichever change list the gateway populated.
func (d *CommitDetail) ChangedFiles() []FileChange {
	if len(d.Changes) > 0 {
		return d.Changes
	}
	return d.Files
}

// CommitFile is one file in an outbound gateway commit. A nil Content
// deletes the file.
type CommitFile struct {
	Path    string  `json:"path"`
	Content *string `json:"content"`
}

// CommitResult is the outcome of a gateway commit.
type CommitResult struct {
	CommitID string `json:"commitId"`
	Message  string `json:"message"`
}

// PublishResult is the outcome of publishing a post or comment.
type PublishResult struct {
	CID    string `json:"cid"`
	TxHash string `json:"txHash,omitempty"`
}

func unmarshalInto(raw json.RawMessage, out any) error {
	return json.Unmarshal(raw, out)
}
