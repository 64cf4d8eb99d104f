package main

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/bluesky-social/gatekeep/engine"
	"github.com/bluesky-social/gatekeep/federation"
	"github.com/bluesky-social/gatekeep/state"
)

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

type AdmitBody struct {
	Group  int64            `json:"group"`
	User   int64            `json:"user"`
	Name   string           `json:"name"`
	Locale string           `json:"locale,omitempty"`
	Detail state.UserDetail `json:"detail"`
	// join-service message id, if the platform produced one
	MessageID   int   `json:"message_id,omitempty"`
	ManualAdmin int64 `json:"manual_admin,omitempty"`
}

type UserBody struct {
	User   int64  `json:"user"`
	Text   string `json:"text,omitempty"`
	Locale string `json:"locale,omitempty"`
}

type GroupBody struct {
	Group int64  `json:"group"`
	Admin int64  `json:"admin,omitempty"`
	User  int64  `json:"user,omitempty"`
	Text  string `json:"text,omitempty"`
	// "pass" or "fail" for manual verdicts
	Verdict string `json:"verdict,omitempty"`
}

func (s *Server) newEcho(apiToken string, reg prometheus.Registerer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(s.logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("4M"))
	e.Use(otelecho.Middleware("gatekeep"))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "gatekeep",
		Registerer: reg,
	}))
	e.HTTPErrorHandler = s.errorHandler

	e.GET("/_health", s.HandleHealthCheck)

	v1 := e.Group("/v1")
	if apiToken != "" {
		v1.Use(middleware.KeyAuth(func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(apiToken)) == 1, nil
		}))
	}
	v1.POST("/admit", s.HandleAdmit)
	v1.POST("/answer", s.HandleAnswer)
	v1.POST("/change", s.HandleChange)
	v1.POST("/holding/join", s.HandleHoldingJoin)
	v1.POST("/federation", s.HandleFederation)
	v1.POST("/groups/manage", s.HandleManageGroup)
	v1.POST("/manual", s.HandleManual)
	v1.POST("/config/request", s.HandleConfigRequest)
	v1.POST("/custom/begin", s.HandleCustomBegin)
	v1.POST("/custom/complete", s.HandleCustomComplete)
	return e
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	var errorMessage string
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	case errors.Is(err, engine.ErrNotAdmin):
		code, errorMessage = http.StatusForbidden, err.Error()
	case errors.Is(err, engine.ErrUnmanaged):
		code, errorMessage = http.StatusNotFound, err.Error()
	case errors.Is(err, engine.ErrConfigLocked):
		code, errorMessage = http.StatusConflict, err.Error()
	case errors.Is(err, engine.ErrIncompleteQuestion):
		code, errorMessage = http.StatusBadRequest, err.Error()
	case errors.Is(err, engine.ErrNoFederation):
		code, errorMessage = http.StatusServiceUnavailable, err.Error()
	}
	if code >= 500 {
		slog.Warn("gatekeep-http-internal-error", "err", err)
	}
	c.JSON(code, GenericStatus{Status: "error", Daemon: "gatekeep", Message: errorMessage})
}

func (s *Server) HandleHealthCheck(c echo.Context) error {
	msg := ""
	if s.proto.Hidden() {
		msg = "federation on fallback channel"
	}
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "gatekeep", Message: msg})
}

func bindBody(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

func (s *Server) HandleAdmit(c echo.Context) error {
	var body AdmitBody
	if err := bindBody(c, &body); err != nil {
		return err
	}
	if body.Group == 0 || body.User == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "group and user are required")
	}
	out, err := s.engine.Admit(c.Request().Context(), engine.AdmitRequest{
		Group:       body.Group,
		User:        body.User,
		Name:        body.Name,
		Locale:      body.Locale,
		Detail:      body.Detail,
		Origin:      body.MessageID,
		ManualAdmin: body.ManualAdmin,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"outcome": out.String()})
}

func (s *Server) HandleAnswer(c echo.Context) error {
	var body UserBody
	if err := bindBody(c, &body); err != nil {
		return err
	}
	ok, err := s.engine.SubmitAnswer(c.Request().Context(), body.User, body.Text)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Server) HandleChange(c echo.Context) error {
	var body UserBody
	if err := bindBody(c, &body); err != nil {
		return err
	}
	ok, err := s.engine.ChangeChallenge(c.Request().Context(), body.User)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Server) HandleHoldingJoin(c echo.Context) error {
	var body UserBody
	if err := bindBody(c, &body); err != nil {
		return err
	}
	ok, err := s.engine.EnterHolding(c.Request().Context(), body.User, body.Locale)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": ok})
}

// HandleFederation accepts a channel message pushed by a relay. Protocol errors never surface here; the reply only says whether a handler took it.
func (s *Server) HandleFederation(c echo.Context) error {
	var msg federation.Message
	if err := bindBody(c, &msg); err != nil {
		return err
	}
	handled := s.proto.Receive(c.Request().Context(), msg)
	return c.JSON(http.StatusOK, map[string]bool{"handled": handled})
}

func (s *Server) HandleManageGroup(c echo.Context) error {
	var body GroupBody
	if err := bindBody(c, &body); err != nil {
		return err
	}
	if err := s.engine.ManageGroup(c.Request().Context(), body.Group); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "gatekeep"})
}

func (s *Server) HandleManual(c echo.Context) error {
	var body GroupBody
	if err := bindBody(c, &body); err != nil {
		return err
	}
	ctx := c.Request().Context()
	var err error
	switch body.Verdict {
	case "pass":
		err = s.engine.ManualPass(ctx, body.Group, body.Admin, body.User)
	case "fail":
		err = s.engine.ManualFail(ctx, body.Group, body.Admin, body.User)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "verdict must be pass or fail")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "gatekeep"})
}

func (s *Server) HandleConfigRequest(c echo.Context) error {
	var body GroupBody
	if err := bindBody(c, &body); err != nil {
		return err
	}
	if err := s.engine.RequestConfig(c.Request().Context(), body.Group, body.Admin); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "gatekeep"})
}

func (s *Server) HandleCustomBegin(c echo.Context) error {
	var body GroupBody
	if err := bindBody(c, &body); err != nil {
		return err
	}
	if err := s.engine.BeginCustomQuestion(c.Request().Context(), body.Group, body.Admin); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "gatekeep"})
}

func (s *Server) HandleCustomComplete(c echo.Context) error {
	var body GroupBody
	if err := bindBody(c, &body); err != nil {
		return err
	}
	ok, err := s.engine.CompleteCustomQuestion(c.Request().Context(), body.Admin, body.Text)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": ok})
}
