package agent

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"afaqbot/internal/history"
)

//go:embed replies.yaml
var defaultReplies []byte

// Replies is the catalog of user-facing strings.
type Replies struct {
	Persona string `yaml:"persona"`
	Labels  struct {
		User      string `yaml:"user"`
		Assistant string `yaml:"assistant"`
	} `yaml:"labels"`
	Commands struct {
		Start          string `yaml:"start"`
		Cleared        string `yaml:"cleared"`
		NothingToClear string `yaml:"nothing_to_clear"`
		Help           string `yaml:"help"`
		Stats          string `yaml:"stats"` // {messages} and {conversations} are substituted
	} `yaml:"commands"`
	Media struct {
		PhotoPrompt string `yaml:"photo_prompt"`
		VoicePrompt string `yaml:"voice_prompt"`
	} `yaml:"media"`
	Fallbacks struct {
		Text             string `yaml:"text"`
		Image            string `yaml:"image"`
		Voice            string `yaml:"voice"`
		VoiceUnavailable string `yaml:"voice_unavailable"`
		Unsupported      string `yaml:"unsupported"`
		RateLimited      string `yaml:"rate_limited"`
	} `yaml:"fallbacks"`
}

// DefaultReplies returns the built-in catalog.
func DefaultReplies() *Replies {
	var r Replies
	if err := yaml.Unmarshal(defaultReplies, &r); err != nil {
		panic(fmt.Sprintf("agent: built-in replies.yaml: %v", err))
	}
	return &r
}

// LoadReplies reads a YAML catalog from path and merges it over the
// built-in one. An empty path returns the defaults.
func LoadReplies(path string) (*Replies, error) {
	r := DefaultReplies()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replies: %w", err)
	}
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parse replies %s: %w", path, err)
	}
	return r, nil
}

// HistoryLabels returns the transcript labels for history.Manager.
func (r *Replies) HistoryLabels() history.Labels {
	return history.Labels{User: r.Labels.User, Assistant: r.Labels.Assistant}
}

func (r *Replies) stats(s history.UserStats) string {
	return strings.NewReplacer(
		"{messages}", strconv.Itoa(s.MessageCount),
		"{conversations}", strconv.Itoa(s.ConversationCount),
	).Replace(r.Commands.Stats)
}
