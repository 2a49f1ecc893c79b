package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/talkie-voice-lab/internal/broadcast"
	"github.com/talkie-voice-lab/internal/history"
	"github.com/talkie-voice-lab/internal/logging"
)

// controller is the part of the pipeline the control API drives.
type controller interface {
	SetTrainingMode(bool)
	SetBrowseMode(bool)
	SetDocQAMode(bool)
	TrainingMode() bool
	BrowseMode() bool
	DocQAMode() bool
	RecordCorrection(ctx context.Context, interactionID, text string) error
	AcceptCompletion(ctx context.Context, interactionID string) error
	RunCurator(ctx context.Context) (history.CurateResult, error)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type modesBody struct {
	Training *bool `json:"training,omitempty"`
	Browse   *bool `json:"browse,omitempty"`
	DocQA    *bool `json:"doc_qa,omitempty"`
}

type modesResponse struct {
	Training bool `json:"training"`
	Browse   bool `json:"browse"`
	DocQA    bool `json:"doc_qa"`
}

type correctionBody struct {
	Text string `json:"text"`
}

// newControlAPI serves the event stream and the runtime controls of a
// running pipeline. apiKey, when set, is required as X-API-Key, a bearer
// token or the api_key query parameter (for browser websockets).
func newControlAPI(p controller, hub *broadcast.Hub, apiKey string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "talkie"})
	})

	v1 := e.Group("/api/v1")
	if apiKey != "" {
		auth := middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup: "header:X-API-Key,header:Authorization:Bearer ,query:api_key",
			Validator: func(key string, _ echo.Context) (bool, error) {
				return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(key)), []byte(apiKey)) == 1, nil
			},
		})
		v1.Use(auth)
		e.GET("/events", hub.Handle, auth)
	} else {
		e.GET("/events", hub.Handle)
	}

	v1.GET("/modes", func(c echo.Context) error {
		return c.JSON(http.StatusOK, currentModes(p))
	})
	v1.PUT("/modes", func(c echo.Context) error {
		var body modesBody
		if err := c.Bind(&body); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: "Invalid request format"})
		}
		if body.Training != nil {
			p.SetTrainingMode(*body.Training)
		}
		if body.Browse != nil {
			p.SetBrowseMode(*body.Browse)
		}
		if body.DocQA != nil {
			p.SetDocQAMode(*body.DocQA)
		}
		logging.Infow("modes updated", "training", p.TrainingMode(), "browse", p.BrowseMode(), "doc_qa", p.DocQAMode())
		return c.JSON(http.StatusOK, currentModes(p))
	})
	v1.POST("/interactions/:id/correction", func(c echo.Context) error {
		var body correctionBody
		if err := c.Bind(&body); err != nil || strings.TrimSpace(body.Text) == "" {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: "text is required"})
		}
		return writeResult(c, p.RecordCorrection(c.Request().Context(), c.Param("id"), body.Text))
	})
	v1.POST("/interactions/:id/accept", func(c echo.Context) error {
		return writeResult(c, p.AcceptCompletion(c.Request().Context(), c.Param("id")))
	})
	v1.POST("/curate", func(c echo.Context) error {
		res, err := p.RunCurator(c.Request().Context())
		if err != nil {
			return writeResult(c, err)
		}
		return c.JSON(http.StatusOK, res)
	})
	return e
}

func currentModes(p controller) modesResponse {
	return modesResponse{Training: p.TrainingMode(), Browse: p.BrowseMode(), DocQA: p.DocQAMode()}
}

func writeResult(c echo.Context, err error) error {
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	case errors.Is(err, history.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: "not_found", Message: err.Error()})
	default:
		logging.Warnw("control request failed", "path", c.Path(), "err", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: err.Error()})
	}
}
