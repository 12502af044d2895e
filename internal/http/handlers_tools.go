package httpx

import (
	"errors"
	"net/http"
	"strings"

	"github.com/splax/resellermentor/internal/service/bidcalc"
	"github.com/splax/resellermentor/internal/service/mentor"
	"github.com/splax/resellermentor/internal/service/supplier"
)

func (r *Router) handleAITools(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Tool  string `json:"tool"`
		Input string `json:"input"`
	}
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	switch strings.TrimSpace(payload.Tool) {
	case supplier.Tool:
		r.analyzeSupplier(w, req, payload.Input)
	case mentor.Tool, "":
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		req = req.WithContext(ctx)
		if !r.ensurePaid(w, req) {
			return
		}
		r.askMentor(w, req, payload.Input)
	default:
		writeError(w, http.StatusBadRequest, "Unknown tool")
	}
}

func (r *Router) handleSupplierAnalyzer(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Input string `json:"input"`
	}
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	r.analyzeSupplier(w, req, payload.Input)
}

func (r *Router) analyzeSupplier(w http.ResponseWriter, req *http.Request, input string) {
	report, cached, err := r.supplier.Analyze(req.Context(), input)
	if err != nil {
		if errors.Is(err, supplier.ErrInvalidURL) {
			writeError(w, http.StatusBadRequest, "Provide full URL including http(s)://")
			return
		}
		r.logger.Error("supplier analysis failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	r.recordSupplierAnalysis(report.RiskLevel, cached)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"tool":   supplier.Tool,
		"cached": cached,
		"data":   report,
	})
}

func (r *Router) handleMentor(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Question string `json:"question"`
	}
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	r.askMentor(w, req, payload.Question)
}

func (r *Router) askMentor(w http.ResponseWriter, req *http.Request, question string) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for mentor", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	answer, err := r.mentor.Ask(req.Context(), info.UserID, question)
	if err != nil {
		switch {
		case errors.Is(err, mentor.ErrEmptyQuestion):
			r.recordMentorAnswer("invalid")
			writeError(w, http.StatusBadRequest, "Missing question")
		case errors.Is(err, mentor.ErrQuotaExceeded):
			r.recordMentorAnswer("quota_exceeded")
			writeError(w, http.StatusTooManyRequests, "Monthly mentor quota reached")
		case errors.Is(err, mentor.ErrUnreadableAnswer):
			r.recordMentorAnswer("unreadable")
			writeError(w, http.StatusBadGateway, "AI output unreadable")
		default:
			r.recordMentorAnswer("failed")
			r.logger.Error("mentor request failed", "user_id", info.UserID, "error", err)
			writeError(w, http.StatusInternalServerError, "Server error")
		}
		return
	}
	r.recordMentorAnswer("answered")
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"tool": mentor.Tool,
		"data": answer,
	})
}

func (r *Router) handleSupplies(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	supplies, err := r.supplies.List(req.Context())
	if err != nil {
		r.logger.Error("list supplies failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	writeJSON(w, http.StatusOK, supplies)
}

func (r *Router) handleStartBid(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var input bidcalc.Input
	if err := decodeJSON(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := bidcalc.Calculate(input)
	if err != nil {
		switch {
		case errors.Is(err, bidcalc.ErrInvalidLot):
			writeError(w, http.StatusBadRequest, "Lot cost and total items must be greater than zero")
		default:
			writeError(w, http.StatusBadRequest, "Shipping must be non-negative and fee between 0 and 100")
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}
