package pages

import (
	"context"
	"strings"
	"testing"

	"github.com/a-h/templ"
	"github.com/stretchr/testify/assert"
)

func TestChatPage(t *testing.T) {
	html := renderToString(t, context.Background(), Chat(ChatProps{
		Title:         "Night Shift Radio",
		WebSocketPath: "/ws",
		Nonce:         "abc123",
	}))

	tests := []struct {
		name    string
		content string
	}{
		{"title", "<title>Night Shift Radio</title>"},
		{"ws path", `data-ws-path="/ws"`},
		{"nonce", `<script nonce="abc123">`},
		{"listener count", `id="listeners"`},
		{"register frame", `type: "register"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, html, tt.content)
		})
	}

	assert.NotContains(t, html, `id="token"`)
}

func TestChatPage_RequireToken(t *testing.T) {
	html := renderToString(t, context.Background(), Chat(ChatProps{Title: "Radio", RequireToken: true}))
	assert.Contains(t, html, `id="token"`)
}

func TestChatPage_EscapesTitle(t *testing.T) {
	html := renderToString(t, context.Background(), Chat(ChatProps{Title: `<script>alert("x")</script>`}))
	assert.NotContains(t, html, `<script>alert`)
	assert.Contains(t, html, "&lt;script&gt;")
}

// Helper function to render a component to string for testing
func renderToString(t *testing.T, ctx context.Context, component templ.Component) string {
	t.Helper()

	var buf strings.Builder
	if err := component.Render(ctx, &buf); err != nil {
		t.Fatalf("Failed to render component: %v", err)
	}

	return buf.String()
}
