package api

import (
	"encoding/json"
	"io"
	"net/http"

	"bybit-webhook-bot-go/internal/router"
	"github.com/gorilla/mux"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// maxBodySize bounds inbound alert bodies. TradingView alerts are small;
// anything bigger is garbage.
const maxBodySize = 64 * 1024

func (s *Server) alertHandler(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeResult(w, &router.Result{Success: false, Err: router.KindValidation, Detail: "could not read request body"})
		return
	}

	result := s.signal.HandleAlert(r.Context(), token, body)
	s.writeResult(w, result)
}

func (s *Server) executeHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeResult(w, &router.Result{Success: false, Err: router.KindValidation, Detail: "could not read request body"})
		return
	}

	// The direct path names the bot explicitly instead of going through a
	// webhook token.
	var req struct {
		BotID uint `json:"bot_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.BotID == 0 {
		s.writeResult(w, &router.Result{Success: false, Err: router.KindValidation, Detail: "bot_id is required"})
		return
	}

	result := s.signal.HandleDirect(r.Context(), req.BotID, body)
	s.writeResult(w, result)
}

func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	tradeID, err := cast.ToUintE(mux.Vars(r)["id"])
	if err != nil || tradeID == 0 {
		s.writeResult(w, &router.Result{Success: false, Err: router.KindValidation, Detail: "invalid trade id"})
		return
	}

	result := s.signal.HandleReconcile(r.Context(), tradeID)
	s.writeResult(w, result)
}

// writeResult maps a tagged workflow result onto an HTTP response.
func (s *Server) writeResult(w http.ResponseWriter, result *router.Result) {
	signalsTotal.WithLabelValues(outcomeLabel(result)).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(result.Err))
	if err := json.NewEncoder(w).Encode(result); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// statusFor maps error kinds to status codes. Reconciliation mismatches are
// soft: 200 with success=false.
func statusFor(kind router.ErrorKind) int {
	switch kind {
	case router.KindNone, router.KindReconcile:
		return http.StatusOK
	case router.KindValidation, router.KindCredentials:
		return http.StatusBadRequest
	case router.KindNotFound:
		return http.StatusNotFound
	case router.KindRiskLimit:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func outcomeLabel(result *router.Result) string {
	if result.Success {
		return "success"
	}
	return string(result.Err)
}
