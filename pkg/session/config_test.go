package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeConfigEmptyRequestAdoptsStored(t *testing.T) {
	stored := Config{
		Webhook: WebhookConfig{URL: "http://hooks.local/a"},
		Phone:   "5511999",
	}

	assert.Equal(t, stored, MergeConfig(stored, Config{}))
}

func TestMergeConfigRequestOverrides(t *testing.T) {
	stored := Config{
		Webhook:    WebhookConfig{URL: "http://hooks.local/old", ListenAcks: true},
		Proxy:      &ProxyConfig{URL: "http://old:3128"},
		Phone:      "111",
		DeviceName: "old-device",
	}
	requested := Config{
		Phone:   "222",
		Webhook: WebhookConfig{URL: "http://hooks.local/new"},
	}

	merged := MergeConfig(stored, requested)

	assert.Equal(t, "222", merged.Phone)
	assert.Equal(t, "http://hooks.local/new", merged.Webhook.URL)
	assert.False(t, merged.Webhook.ListenAcks)
	assert.Equal(t, "old-device", merged.DeviceName)
	assert.Equal(t, "http://old:3128", merged.Proxy.URL)
}

func TestMergeConfigCopiesProxy(t *testing.T) {
	requested := Config{Proxy: &ProxyConfig{URL: "http://p:1", Username: "u"}}
	merged := MergeConfig(Config{}, requested)

	requested.Proxy.Username = "changed"
	assert.Equal(t, "u", merged.Proxy.Username)
}

func TestConfigIsZero(t *testing.T) {
	assert.True(t, Config{}.IsZero())
	assert.False(t, Config{PoweredBy: "x"}.IsZero())
	assert.False(t, Config{Webhook: WebhookConfig{OnLabelUpdated: true}}.IsZero())
}

func TestWebhookIgnored(t *testing.T) {
	w := WebhookConfig{Ignore: []string{"status@broadcast", "ack"}}
	assert.True(t, w.Ignored("ack"))
	assert.False(t, w.Ignored("message"))
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "alice", false},
		{"valid with dash", "shop-01", false},
		{"empty", "", true},
		{"dot dot", "..", true},
		{"slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"null", "a\x00", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
