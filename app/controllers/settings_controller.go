package controllers

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/config"
)

// SettingSaver persists a configuration override.
type SettingSaver interface {
	SaveSetting(key, value, typ string) error
}

// ConfigRefresher reloads the active configuration snapshot.
type ConfigRefresher interface {
	Refresh(ctx context.Context) error
}

// SettingsController lets operators rotate keys and tune billing limits
// without a restart.
type SettingsController struct {
	saver   SettingSaver
	refresh ConfigRefresher
}

func NewSettingsController(saver SettingSaver, refresh ConfigRefresher) *SettingsController {
	return &SettingsController{saver: saver, refresh: refresh}
}

type settingRequest struct {
	Value string `json:"value" validate:"required"`
	Type  string `json:"type" validate:"required,oneof=string boolean integer duration secret"`
}

// HandleSetSetting stores an override and applies it immediately.
func (sc *SettingsController) HandleSetSetting(c *fiber.Ctx) error {
	key := strings.ToUpper(strings.TrimSpace(c.Params("key")))
	if !config.IsOverridable(key) {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", key+" cannot be overridden")
	}
	var req settingRequest
	if err := bindJSON(c, &req); err != nil {
		return respondError(c, err)
	}
	if msg := checkSettingValue(req.Type, req.Value); msg != "" {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", msg)
	}

	if err := sc.saver.SaveSetting(key, req.Value, req.Type); err != nil {
		return respondError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 10*time.Second)
	defer cancel()
	applied := true
	if err := sc.refresh.Refresh(ctx); err != nil {
		log.Warnf("[Settings] %s saved but not applied: %v", key, err)
		applied = false
	}

	value := req.Value
	if req.Type == "secret" {
		value = "********"
	}
	return c.JSON(fiber.Map{"key": key, "value": value, "applied": applied})
}

func checkSettingValue(typ, value string) string {
	switch typ {
	case "integer":
		if _, err := strconv.Atoi(value); err != nil {
			return "value is not an integer"
		}
	case "duration":
		if _, err := time.ParseDuration(value); err != nil {
			return "value is not a duration such as 15m"
		}
	case "boolean":
		if _, err := strconv.ParseBool(value); err != nil {
			return "value is not a boolean"
		}
	}
	return ""
}
