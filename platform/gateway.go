package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bluesky-social/gatekeep/pkg/robusthttp"
)

// Gateway speaks a Telegram-style bot HTTP API: JSON POST to <host>/bot<token>/<method>, answered by {"ok", "result", "error_code", "description", "parameters"}.
type Gateway struct {
	Host   string
	Token  string
	Client *http.Client
	// paces outbound requests below the platform's global limit
	Limiter *rate.Limiter
	Logger  *slog.Logger
	// the service's own user id, the numeric prefix of the token
	Self int64
}

var _ Transport = (*Gateway)(nil)

type GatewayConfig struct {
	Host  string
	Token string
	// requests per second; zero means unlimited
	RatePerSecond float64
	Burst         int
}

func NewGateway(cfg GatewayConfig, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	idPart, _, ok := strings.Cut(cfg.Token, ":")
	if !ok {
		return nil, fmt.Errorf("malformed bot token")
	}
	self, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed bot token: %w", err)
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	logger = logger.With("component", "gateway")
	return &Gateway{
		Host:    strings.TrimSuffix(cfg.Host, "/"),
		Token:   cfg.Token,
		Client:  robusthttp.NewClient(robusthttp.WithLogger(logger)),
		Limiter: lim,
		Logger:  logger,
		Self:    self,
	}, nil
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (g *Gateway) call(ctx context.Context, method string, params any, out any) error {
	if err := g.Limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%s: encoding params: %w", method, err)
	}
	u := fmt.Sprintf("%s/bot%s/%s", g.Host, g.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.Client.Do(req)
	if err != nil {
		gatewayRequests.WithLabelValues(method, "network").Inc()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Transient(method, err)
	}
	defer resp.Body.Close()

	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		gatewayRequests.WithLabelValues(method, "malformed").Inc()
		if resp.StatusCode >= 500 {
			return Transient(method, fmt.Errorf("status %d", resp.StatusCode))
		}
		return Transient(method, fmt.Errorf("decoding response: %w", err))
	}
	if ar.OK {
		gatewayRequests.WithLabelValues(method, "ok").Inc()
		if out != nil && len(ar.Result) > 0 {
			if err := json.Unmarshal(ar.Result, out); err != nil {
				return fmt.Errorf("%s: decoding result: %w", method, err)
			}
		}
		return nil
	}

	code := ar.ErrorCode
	if code == 0 {
		code = resp.StatusCode
	}
	switch {
	case code == http.StatusTooManyRequests:
		gatewayRequests.WithLabelValues(method, "rate_limit").Inc()
		wait := time.Second
		if ar.Parameters != nil && ar.Parameters.RetryAfter > 0 {
			wait = time.Duration(ar.Parameters.RetryAfter) * time.Second
		} else if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			wait = time.Duration(s) * time.Second
		}
		return &RateLimitError{RetryAfter: wait}
	case code >= 500:
		gatewayRequests.WithLabelValues(method, "transient").Inc()
		return Transient(method, fmt.Errorf("status %d: %s", code, ar.Description))
	default:
		gatewayRequests.WithLabelValues(method, "permanent").Inc()
		return Permanent(method, ar.Description)
	}
}

type inlineKeyboard struct {
	InlineKeyboard [][]Button `json:"inline_keyboard"`
}

// one button per row
func keyboard(buttons []Button) *inlineKeyboard {
	if len(buttons) == 0 {
		return nil
	}
	kb := &inlineKeyboard{}
	for _, b := range buttons {
		kb.InlineKeyboard = append(kb.InlineKeyboard, []Button{b})
	}
	return kb
}

type chatPermissions struct {
	CanSendMessages      bool `json:"can_send_messages"`
	CanSendAudios        bool `json:"can_send_audios"`
	CanSendDocuments     bool `json:"can_send_documents"`
	CanSendPhotos        bool `json:"can_send_photos"`
	CanSendVideos        bool `json:"can_send_videos"`
	CanSendOtherMessages bool `json:"can_send_other_messages"`
	CanAddWebPagePreview bool `json:"can_add_web_page_previews"`
}

func allPermissions(v bool) chatPermissions {
	return chatPermissions{v, v, v, v, v, v, v}
}

func (g *Gateway) SendAnnouncement(ctx context.Context, group int64, text string, replyTo int, buttons []Button) (MessageRef, error) {
	params := map[string]any{
		"chat_id":    group,
		"text":       text,
		"parse_mode": "HTML",
	}
	if replyTo != 0 {
		params["reply_parameters"] = map[string]any{"message_id": replyTo, "allow_sending_without_reply": true}
	}
	if kb := keyboard(buttons); kb != nil {
		params["reply_markup"] = kb
	}
	var msg struct {
		MessageID int `json:"message_id"`
	}
	if err := g.call(ctx, "sendMessage", params, &msg); err != nil {
		return MessageRef{}, err
	}
	return MessageRef{Group: group, ID: msg.MessageID}, nil
}

func (g *Gateway) EditAnnouncement(ctx context.Context, ref MessageRef, text string, media *Media, buttons []Button) error {
	params := map[string]any{
		"chat_id":    ref.Group,
		"message_id": ref.ID,
	}
	if kb := keyboard(buttons); kb != nil {
		params["reply_markup"] = kb
	}
	if media != nil {
		params["media"] = map[string]any{
			"type":       "photo",
			"media":      media.URL,
			"caption":    media.Caption,
			"parse_mode": "HTML",
		}
		return g.call(ctx, "editMessageMedia", params, nil)
	}
	params["text"] = text
	params["parse_mode"] = "HTML"
	return g.call(ctx, "editMessageText", params, nil)
}

func (g *Gateway) DeleteMessages(ctx context.Context, group int64, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	return g.call(ctx, "deleteMessages", map[string]any{"chat_id": group, "message_ids": ids}, nil)
}

func (g *Gateway) RestrictUser(ctx context.Context, group, user int64) error {
	return g.call(ctx, "restrictChatMember", map[string]any{
		"chat_id":     group,
		"user_id":     user,
		"permissions": allPermissions(false),
	}, nil)
}

func (g *Gateway) UnrestrictUser(ctx context.Context, group, user int64) error {
	return g.call(ctx, "restrictChatMember", map[string]any{
		"chat_id":     group,
		"user_id":     user,
		"permissions": allPermissions(true),
	}, nil)
}

func (g *Gateway) KickUser(ctx context.Context, group, user int64) error {
	if err := g.call(ctx, "banChatMember", map[string]any{"chat_id": group, "user_id": user}, nil); err != nil {
		return err
	}
	return g.call(ctx, "unbanChatMember", map[string]any{"chat_id": group, "user_id": user, "only_if_banned": true}, nil)
}

func (g *Gateway) BanUser(ctx context.Context, group, user int64, until int64) error {
	params := map[string]any{"chat_id": group, "user_id": user}
	if until > 0 {
		params["until_date"] = until
	}
	return g.call(ctx, "banChatMember", params, nil)
}

func (g *Gateway) UnbanUser(ctx context.Context, group, user int64) error {
	return g.call(ctx, "unbanChatMember", map[string]any{"chat_id": group, "user_id": user, "only_if_banned": true}, nil)
}

func (g *Gateway) PinMessage(ctx context.Context, ref MessageRef) error {
	return g.call(ctx, "pinChatMessage", map[string]any{
		"chat_id":              ref.Group,
		"message_id":           ref.ID,
		"disable_notification": true,
	}, nil)
}

func (g *Gateway) UnpinMessage(ctx context.Context, ref MessageRef) error {
	return g.call(ctx, "unpinChatMessage", map[string]any{"chat_id": ref.Group, "message_id": ref.ID}, nil)
}

func (g *Gateway) ExportInvite(ctx context.Context, group int64) (string, error) {
	var link string
	if err := g.call(ctx, "exportChatInviteLink", map[string]any{"chat_id": group}, &link); err != nil {
		return "", err
	}
	return link, nil
}

type chatMember struct {
	Status string `json:"status"`
	User   struct {
		ID int64 `json:"id"`
	} `json:"user"`
	CanDeleteMessages  bool `json:"can_delete_messages"`
	CanRestrictMembers bool `json:"can_restrict_members"`
	CanPinMessages     bool `json:"can_pin_messages"`
	CanInviteUsers     bool `json:"can_invite_users"`
}

func (g *Gateway) GroupPermissions(ctx context.Context, group int64) (Permissions, error) {
	var m chatMember
	err := g.call(ctx, "getChatMember", map[string]any{"chat_id": group, "user_id": g.Self}, &m)
	if IsPermanent(err) {
		// removed from the group, or the group is gone
		return Permissions{}, nil
	}
	if err != nil {
		return Permissions{}, err
	}
	p := Permissions{
		Present: m.Status != "left" && m.Status != "kicked",
		Admin:   m.Status == "administrator" || m.Status == "creator",
	}
	if m.Status == "creator" {
		p.CanDelete, p.CanRestrict, p.CanPin, p.CanInvite = true, true, true, true
	} else if p.Admin {
		p.CanDelete = m.CanDeleteMessages
		p.CanRestrict = m.CanRestrictMembers
		p.CanPin = m.CanPinMessages
		p.CanInvite = m.CanInviteUsers
	}
	return p, nil
}

func (g *Gateway) ListAdmins(ctx context.Context, group int64) ([]int64, error) {
	var members []chatMember
	if err := g.call(ctx, "getChatAdministrators", map[string]any{"chat_id": group}, &members); err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(members))
	for _, m := range members {
		out = append(out, m.User.ID)
	}
	return out, nil
}

func (g *Gateway) LeaveGroup(ctx context.Context, group int64) error {
	return g.call(ctx, "leaveChat", map[string]any{"chat_id": group}, nil)
}
