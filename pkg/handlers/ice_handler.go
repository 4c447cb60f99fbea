// Package handlers holds HTTP handlers that sit outside the relay core.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"gitlab.com/privcomm/services/server/internal/config"
)

// IceHandler serves the STUN/TURN server list WebRTC clients need. When
// Twilio credentials are configured it hands out short-lived Twilio ICE
// servers; otherwise it falls back to the static TURN deployment from
// config.
type IceHandler struct {
	twilioClient *twilio.RestClient
	cfg          *config.Config
	logger       zerolog.Logger
}

func NewIceHandler(cfg *config.Config, logger zerolog.Logger) *IceHandler {
	h := &IceHandler{cfg: cfg, logger: logger}
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		h.twilioClient = twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.TwilioAccountSID,
			Password: cfg.TwilioAuthToken,
		})
	}
	return h
}

func (h *IceHandler) GetIceServers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.twilioClient != nil {
		ttl := 86400
		token, err := h.twilioClient.Api.CreateToken(&twilioApi.CreateTokenParams{Ttl: &ttl})
		if err == nil && token.IceServers != nil {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"iceServers": token.IceServers,
			})
			return
		}
		h.logger.Warn().Str("component", "ice").Err(err).Msg("Twilio token request failed, using static TURN config")
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"iceServers": h.staticServers(),
	})
}

func (h *IceHandler) staticServers() []map[string]interface{} {
	return []map[string]interface{}{
		{
			"urls": fmt.Sprintf("stun:%s:%d", h.cfg.TURNHost, h.cfg.TURNPort),
		},
		{
			"urls":       fmt.Sprintf("turn:%s:%d?transport=udp", h.cfg.TURNHost, h.cfg.TURNPort),
			"username":   h.cfg.TURNUsername,
			"credential": h.cfg.TURNPassword,
		},
		{
			"urls":       fmt.Sprintf("turns:%s:%d?transport=tcp", h.cfg.TURNHost, h.cfg.TURNTLSPort),
			"username":   h.cfg.TURNUsername,
			"credential": h.cfg.TURNPassword,
		},
	}
}
