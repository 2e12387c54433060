package session

import (
	"fmt"
	"strings"
)

// WebhookConfig selects where events go and which optional streams are wired.
type WebhookConfig struct {
	URL                   string   `json:"url,omitempty"`
	ListenAcks            bool     `json:"listenAcks,omitempty"`
	OnPresenceChanged     bool     `json:"onPresenceChanged,omitempty"`
	OnParticipantsChanged bool     `json:"onParticipantsChanged,omitempty"`
	OnReactionMessage     bool     `json:"onReactionMessage,omitempty"`
	OnPollResponse        bool     `json:"onPollResponse,omitempty"`
	OnRevokedMessage      bool     `json:"onRevokedMessage,omitempty"`
	OnLabelUpdated        bool     `json:"onLabelUpdated,omitempty"`
	OnSelfMessage         bool     `json:"onSelfMessage,omitempty"`
	Ignore                []string `json:"ignore,omitempty"`
}

// IsZero reports whether nothing was configured.
func (w WebhookConfig) IsZero() bool {
	return w.URL == "" && !w.ListenAcks && !w.OnPresenceChanged && !w.OnParticipantsChanged &&
		!w.OnReactionMessage && !w.OnPollResponse && !w.OnRevokedMessage && !w.OnLabelUpdated &&
		!w.OnSelfMessage && len(w.Ignore) == 0
}

// Ignored reports whether events of the given kind or chat type are muted.
func (w WebhookConfig) Ignored(value string) bool {
	for _, v := range w.Ignore {
		if v == value {
			return true
		}
	}
	return false
}

// ProxyConfig is an upstream HTTP proxy for the session's browser.
type ProxyConfig struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Config is the per-session configuration supplied on start and persisted
// next to the credentials.
type Config struct {
	Webhook    WebhookConfig `json:"webhook,omitempty"`
	Proxy      *ProxyConfig  `json:"proxy,omitempty"`
	Phone      string        `json:"phone,omitempty"`
	DeviceName string        `json:"deviceName,omitempty"`
	PoweredBy  string        `json:"poweredBy,omitempty"`
}

// IsZero reports whether the config carries no settings.
func (c Config) IsZero() bool {
	return c.Webhook.IsZero() && c.Proxy == nil && c.Phone == "" && c.DeviceName == "" && c.PoweredBy == ""
}

// MergeConfig combines a stored config with a requested one. An empty
// request adopts the stored config. Otherwise every group the request sets
// replaces the stored group.
func MergeConfig(stored, requested Config) Config {
	if requested.IsZero() {
		return stored
	}

	merged := stored
	if !requested.Webhook.IsZero() {
		merged.Webhook = requested.Webhook
	}
	if requested.Proxy != nil && requested.Proxy.URL != "" {
		p := *requested.Proxy
		merged.Proxy = &p
	}
	if requested.Phone != "" {
		merged.Phone = requested.Phone
	}
	if requested.DeviceName != "" {
		merged.DeviceName = requested.DeviceName
	}
	if requested.PoweredBy != "" {
		merged.PoweredBy = requested.PoweredBy
	}
	return merged
}

// ValidateName rejects names that are unsafe as a path component.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("session name cannot be empty")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("session name cannot contain '..'")
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("session name cannot contain path separators")
	}
	if strings.Contains(name, "\x00") {
		return fmt.Errorf("session name cannot contain null bytes")
	}
	if len(name) > 128 {
		return fmt.Errorf("session name too long (max 128 characters)")
	}
	return nil
}
