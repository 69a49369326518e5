package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"

	"github.com/berezovskyi/wastebin/cfg"
	"github.com/berezovskyi/wastebin/pkg/domain"
	"github.com/berezovskyi/wastebin/svc/svc"
	"github.com/berezovskyi/wastebin/svc/util"
)

const deletionCookie = "wastebin_deletion_token"

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Text             string `json:"text"`
	Extension        string `json:"extension,omitempty"`
	ExpiresInSeconds int64  `json:"expires_in_seconds,omitempty"`
	BurnAfterReading bool   `json:"burn_after_reading,omitempty"`
}

type CreateResp struct {
	ID            string     `json:"id"`
	DeletionToken string     `json:"deletion_token"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

type ReadResp struct {
	ID               string `json:"id"`
	Text             string `json:"text"`
	Extension        string `json:"extension,omitempty"`
	BurnAfterReading bool   `json:"burn_after_reading"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	// Double the content budget to leave room for JSON framing.
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize*2)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request body")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if req.ExpiresInSeconds < 0 {
		writeErr(w, domain.ErrInvalidExpiry, requestID)
		return
	}

	params := domain.CreateParams{
		Text:             norm.NFC.String(req.Text),
		Extension:        req.Extension,
		ExpiresIn:        time.Duration(req.ExpiresInSeconds) * time.Second,
		BurnAfterReading: req.BurnAfterReading,
	}
	paste, token, err := h.paste.Create(r.Context(), params)
	if err != nil {
		log.Warn().Err(err).Msg("create failed")
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", paste.ID).
		Bool("burn", paste.BurnAfterReading).
		Msg("paste created")

	http.SetCookie(w, &http.Cookie{
		Name:     deletionCookie,
		Value:    token,
		Path:     "/pastes/" + paste.ID,
		MaxAge:   int(h.cfg.TokenValidity.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{
		ID:            paste.ID,
		DeletionToken: token,
		ExpiresAt:     paste.ExpiresAt,
	})
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	requestID := util.GetRequestID(r.Context())

	paste, err := h.paste.Read(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ReadResp{
		ID:               paste.ID,
		Text:             string(paste.Content),
		Extension:        paste.Extension,
		BurnAfterReading: paste.BurnAfterReading,
	})
}

func (h *Hdl) GetRaw(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	requestID := util.GetRequestID(r.Context())

	paste, err := h.paste.Read(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(paste.Content)
}

func (h *Hdl) GetHTML(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	requestID := util.GetRequestID(r.Context())

	markup, err := h.paste.Render(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, markup)
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	requestID := util.GetRequestID(r.Context())
	log := hlog.FromRequest(r)

	token := r.Header.Get("X-Deletion-Token")
	if token == "" {
		if c, err := r.Cookie(deletionCookie); err == nil {
			token = c.Value
		}
	}

	if err := h.paste.Delete(r.Context(), id, token); err != nil {
		if domain.Status(err) >= 500 {
			log.Error().Err(err).Str("id", id).Msg("delete failed")
		}
		writeErr(w, err, requestID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	resp := domain.ToResp(err)
	if statusCode >= 500 {
		// Internal detail stays in the log, not the response.
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error")
		if errors.Cause(err) != domain.ErrStorageUnavailable {
			resp = domain.ToResp(domain.ErrInternalServer)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error":      resp.Error.Msg,
		"code":       resp.Error.Code,
		"request_id": requestID,
	})
}
