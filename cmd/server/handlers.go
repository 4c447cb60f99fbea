package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"gitlab.com/privcomm/services/server/internal/auth"
	"gitlab.com/privcomm/services/server/internal/keys"
	"gitlab.com/privcomm/services/server/internal/relay"
)

var phoneHashRE = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Registration

type registerRequest struct {
	PhoneHash       string `json:"phone_hash"`
	IdentityKey     string `json:"identity_key"`
	SignedPrekey    string `json:"signed_prekey"`
	PrekeySignature string `json:"prekey_signature"`
	OneTimePrekeys  []struct {
		KeyID     int    `json:"key_id"`
		PublicKey string `json:"public_key"`
	} `json:"one_time_prekeys"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !phoneHashRE.MatchString(req.PhoneHash) {
		writeError(w, http.StatusBadRequest, "phone_hash must be 64-char hex string")
		return
	}

	identityKey, err := base64.StdEncoding.DecodeString(req.IdentityKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "identity_key must be valid base64")
		return
	}
	signedPrekey, err := base64.StdEncoding.DecodeString(req.SignedPrekey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "signed_prekey must be valid base64")
		return
	}
	prekeySignature, err := base64.StdEncoding.DecodeString(req.PrekeySignature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "prekey_signature must be valid base64")
		return
	}

	in := keys.RegisterInput{
		PhoneHash:       req.PhoneHash,
		IdentityKey:     identityKey,
		SignedPrekey:    signedPrekey,
		PrekeySignature: prekeySignature,
	}
	for _, pk := range req.OneTimePrekeys {
		publicKey, err := base64.StdEncoding.DecodeString(pk.PublicKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, "one_time_prekeys public_key must be valid base64")
			return
		}
		in.OneTimePrekeys = append(in.OneTimePrekeys, keys.PrekeyInput{
			KeyID:     pk.KeyID,
			PublicKey: publicKey,
		})
	}

	userID, err := s.keysService.Register(r.Context(), in)
	if err != nil {
		s.logger.Error().Str("component", "registration").Err(err).Msg("Registration failed")
		writeError(w, http.StatusServiceUnavailable, "Database error")
		return
	}

	s.logger.Info().Str("component", "registration").
		Str("user", req.PhoneHash[:8]+"...").
		Int("prekeys", len(in.OneTimePrekeys)).
		Msg("User registered")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "registered",
		"user_id": userID.String(),
	})
}

// Key bundles

type prekeyResponse struct {
	KeyID     int    `json:"key_id"`
	PublicKey string `json:"public_key"`
}

type bundleResponse struct {
	IdentityKey     string          `json:"identity_key"`
	SignedPrekey    string          `json:"signed_prekey"`
	PrekeySignature string          `json:"prekey_signature"`
	OneTimePrekey   *prekeyResponse `json:"one_time_prekey"`
}

func (s *Server) handleGetKeyBundle(w http.ResponseWriter, r *http.Request) {
	phoneHash := mux.Vars(r)["phone_hash"]
	if !phoneHashRE.MatchString(phoneHash) {
		writeError(w, http.StatusBadRequest, "phone_hash must be 64-char hex string")
		return
	}

	bundle, err := s.keysService.FetchBundle(r.Context(), phoneHash)
	if errors.Is(err, keys.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		s.logger.Error().Str("component", "keys").Err(err).Msg("Bundle fetch failed")
		writeError(w, http.StatusServiceUnavailable, "Database error")
		return
	}

	resp := bundleResponse{
		IdentityKey:     base64.StdEncoding.EncodeToString(bundle.IdentityKey),
		SignedPrekey:    base64.StdEncoding.EncodeToString(bundle.SignedPrekey),
		PrekeySignature: base64.StdEncoding.EncodeToString(bundle.PrekeySignature),
	}
	if bundle.OneTimePrekey != nil {
		resp.OneTimePrekey = &prekeyResponse{
			KeyID:     bundle.OneTimePrekey.KeyID,
			PublicKey: base64.StdEncoding.EncodeToString(bundle.OneTimePrekey.PublicKey),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPrekeyCount(w http.ResponseWriter, r *http.Request) {
	phoneHash := mux.Vars(r)["phone_hash"]
	if !phoneHashRE.MatchString(phoneHash) {
		writeError(w, http.StatusBadRequest, "phone_hash must be 64-char hex string")
		return
	}

	count, err := s.keysService.CountAvailable(r.Context(), phoneHash)
	if err != nil {
		s.logger.Error().Str("component", "keys").Err(err).Msg("Prekey count failed")
		writeError(w, http.StatusServiceUnavailable, "Database error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"available": count})
}

// Token issuance

type tokenRequest struct {
	PhoneHash string `json:"phone_hash"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !phoneHashRE.MatchString(req.PhoneHash) {
		writeError(w, http.StatusBadRequest, "phone_hash must be 64-char hex string")
		return
	}
	if len(req.Nonce) < 32 || len(req.Nonce) > 64 {
		writeError(w, http.StatusBadRequest, "nonce must be 32-64 characters")
		return
	}
	if len(req.Signature) != 128 {
		writeError(w, http.StatusBadRequest, "signature must be 128 hex characters")
		return
	}

	resp, err := s.authService.IssueToken(r.Context(), req.PhoneHash, req.Nonce, req.Signature)
	switch {
	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusUnauthorized, "User not found")
	case errors.Is(err, auth.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "Invalid signature")
	case errors.Is(err, auth.ErrBadSignatureFormat):
		writeError(w, http.StatusBadRequest, "Invalid signature format")
	case err != nil:
		s.logger.Error().Str("component", "auth").Err(err).Msg("Token issuance failed")
		writeError(w, http.StatusServiceUnavailable, "Database error")
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// Push tokens

type pushTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

func (s *Server) handleSavePushToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authorization required")
		return
	}

	var req pushTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Token == "" || len(req.Token) > 512 {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if req.Platform == "" {
		req.Platform = "android"
	}

	if err := s.messagesService.SavePushToken(r.Context(), userID, req.Token, req.Platform); err != nil {
		s.logger.Error().Str("component", "push").Err(err).Msg("Push token save failed")
		writeError(w, http.StatusServiceUnavailable, "Database error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// Health

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	services := map[string]string{"database": "connected"}

	if err := s.db.Health(ctx); err != nil {
		health["status"] = "degraded"
		services["database"] = "error: " + err.Error()
		s.logger.Error().Str("component", "health").Err(err).Msg("Health check failed for database")
	}
	health["services"] = services

	status := http.StatusOK
	if health["status"] != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// WebSocket

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Str("component", "ws").Err(err).Msg("WebSocket upgrade failed")
		return
	}

	userID, err := s.authService.VerifyToken(token)
	if err != nil {
		relay.CloseWithStatus(conn, websocket.ClosePolicyViolation, "Invalid or expired token")
		conn.Close()
		return
	}

	s.engine.Run(r.Context(), userID, conn)
}

// Helpers

type ctxKey int

const userIDKey ctxKey = iota

func withUserID(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func userIDFrom(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(userIDKey).(uuid.UUID)
	return userID, ok
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("authorization header missing")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimPrefix(header, prefix), nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
