package platform

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGateway(t *testing.T, h http.HandlerFunc) *Gateway {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	g, err := NewGateway(GatewayConfig{Host: srv.URL, Token: "4242:secret"}, nil)
	require.NoError(t, err)
	g.Client = srv.Client()
	return g
}

func TestGatewaySend(t *testing.T) {
	assert := assert.New(t)
	var gotPath string
	var gotBody map[string]any
	g := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":77}}`)
	})
	assert.Equal(int64(4242), g.Self)

	ref, err := g.SendAnnouncement(context.Background(), -100, "hello", 5, []Button{{Text: "go", URL: "https://chat.example/x"}})
	assert.NoError(err)
	assert.Equal(MessageRef{Group: -100, ID: 77}, ref)
	assert.Equal("/bot4242:secret/sendMessage", gotPath)
	assert.Equal("hello", gotBody["text"])
	assert.NotNil(gotBody["reply_markup"])
}

func TestGatewayErrorClasses(t *testing.T) {
	assert := assert.New(t)
	var reply string
	var status int
	g := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	})
	ctx := context.Background()

	status, reply = 429, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":7}}`
	err := g.RestrictUser(ctx, -100, 1)
	var rl *RateLimitError
	assert.ErrorAs(err, &rl)
	assert.Equal(7*time.Second, rl.RetryAfter)

	status, reply = 400, `{"ok":false,"error_code":400,"description":"Bad Request: user not found"}`
	err = g.KickUser(ctx, -100, 1)
	assert.True(IsPermanent(err))
	assert.True(strings.Contains(err.Error(), "user not found"))

	status, reply = 502, `<html>bad gateway</html>`
	err = g.LeaveGroup(ctx, -100)
	assert.ErrorIs(err, ErrTransient)
}

func TestGatewayPermissions(t *testing.T) {
	assert := assert.New(t)
	var reply string
	g := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, reply)
	})
	ctx := context.Background()

	reply = `{"ok":true,"result":{"status":"administrator","user":{"id":4242},"can_delete_messages":true,"can_restrict_members":true}}`
	p, err := g.GroupPermissions(ctx, -100)
	assert.NoError(err)
	assert.True(p.Present)
	assert.Equal([]string{"pin", "invite"}, p.Missing())

	reply = `{"ok":false,"error_code":403,"description":"Forbidden: bot was kicked from the supergroup chat"}`
	p, err = g.GroupPermissions(ctx, -100)
	assert.NoError(err)
	assert.False(p.Present)
}

func TestNewGatewayRejectsBadToken(t *testing.T) {
	_, err := NewGateway(GatewayConfig{Host: "http://localhost", Token: "nocolon"}, nil)
	assert.Error(t, err)
}
