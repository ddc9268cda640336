package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/nidhogg/embedserve/internal/metrics"
	"github.com/nidhogg/embedserve/internal/validator"
)

// maxLoggedError bounds the backend error detail written to the log.
const maxLoggedError = 200

// internalMessage is the only detail a client sees when inference fails.
const internalMessage = "internal error while generating embeddings"

type embedRequest struct {
	Text     *string         `json:"text"`
	Texts    []*string       `json:"texts"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type embedResponse struct {
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	Dim       int             `json:"dim"`
	Embedding interface{}     `json:"embedding"`
	Count     int             `json:"count,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

func (h *Handler) embed(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	log := h.logger.With(zap.String("request_id", reqID))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.Server.MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.rejectBody(w, r, log, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.rejectBody(w, r, log, http.StatusBadRequest, "could not read request body")
		return
	}

	req, msg := decodeEmbedRequest(body)
	if msg != "" {
		h.rejectBody(w, r, log, http.StatusUnprocessableEntity, msg)
		return
	}

	in := validator.Input{Text: req.Text, Texts: req.Texts}
	log.Info("embed_start",
		zap.Int("input_count", inputCount(in)),
		zap.Bool("batch", in.Batch()),
	)

	res, verr := validator.Validate(in, h.limits)
	if verr != nil {
		fields := []zap.Field{zap.String("reason", string(verr.Reason))}
		if verr.HasIndex() {
			fields = append(fields, zap.Int("index", verr.Index))
		}
		log.Warn("embed_validation_error", fields...)
		h.metrics.EmbedFailed(metrics.OutcomeValidationError, kindValidation)
		writeError(w, r, http.StatusBadRequest, kindValidation, verr.Error(), verr.Index)
		return
	}

	start := time.Now()
	vectors, err := h.provider.Embed(r.Context(), res.Texts)
	elapsed := time.Since(start)
	if err != nil {
		log.Error("embed_internal_error",
			zap.Int("input_count", len(res.Texts)),
			zap.Duration("latency", elapsed),
			zap.String("error", sanitizeError(err, res.Texts)),
		)
		h.metrics.EmbedFailed(metrics.OutcomeInternalError, kindInternal)
		writeError(w, r, http.StatusInternalServerError, kindInternal, internalMessage, -1)
		return
	}

	h.metrics.EmbedSucceeded(elapsed)
	h.metrics.ObservePayload(res.Lengths, res.TotalChars, int64(len(body)))

	resp := embedResponse{
		Provider:  h.provider.Name(),
		Model:     h.provider.Model(),
		Dim:       h.provider.Dimension(),
		RequestID: reqID,
		Metadata:  req.Metadata,
	}
	if in.Batch() {
		resp.Embedding = vectors
		resp.Count = len(vectors)
	} else {
		resp.Embedding = vectors[0]
	}

	log.Info("embed_success",
		zap.Int("input_count", len(res.Texts)),
		zap.Int("total_chars", res.TotalChars),
		zap.Duration("latency", elapsed),
	)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) rejectBody(w http.ResponseWriter, r *http.Request, log *zap.Logger, status int, msg string) {
	log.Warn("embed_validation_error", zap.String("reason", msg), zap.Int("status", status))
	h.metrics.EmbedFailed(metrics.OutcomeValidationError, kindValidation)
	writeError(w, r, status, kindValidation, msg, -1)
}

// decodeEmbedRequest parses the body. A non-empty message means the body is
// not a well-formed request object.
func decodeEmbedRequest(body []byte) (embedRequest, string) {
	var req embedRequest
	if err := json.Unmarshal(body, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			if typeErr.Field != "" {
				return req, "invalid type for field " + typeErr.Field
			}
			return req, "request body must be a JSON object"
		}
		return req, "malformed JSON body"
	}
	if m := bytes.TrimSpace(req.Metadata); len(m) > 0 && !bytes.Equal(m, []byte("null")) && m[0] != '{' {
		return req, "metadata must be a JSON object"
	}
	if bytes.Equal(bytes.TrimSpace(req.Metadata), []byte("null")) {
		req.Metadata = nil
	}
	return req, ""
}

func inputCount(in validator.Input) int {
	switch {
	case in.Texts != nil:
		return len(in.Texts)
	case in.Text != nil:
		return 1
	default:
		return 0
	}
}

// sanitizeError flattens err for logging: input texts the backend may have
// echoed are masked, newlines removed and the result truncated.
func sanitizeError(err error, texts []string) string {
	msg := err.Error()
	for _, t := range texts {
		if len(t) >= 4 {
			msg = strings.ReplaceAll(msg, t, "[text]")
		}
	}
	msg = strings.Join(strings.Fields(msg), " ")
	if utf8.RuneCountInString(msg) > maxLoggedError {
		msg = string([]rune(msg)[:maxLoggedError]) + "..."
	}
	return msg
}
