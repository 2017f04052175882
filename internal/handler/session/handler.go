package session

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/session-gateway/internal/observability"
	sessionService "github.com/zhouzirui/session-gateway/internal/service/session"
	"github.com/zhouzirui/session-gateway/internal/service/store"
	"github.com/zhouzirui/session-gateway/pkg/utils"
)

const (
	defaultMessageLimit = 50
	maxJSONBody         = 1 << 20
)

// Handler 会话相关的HTTP处理器
type Handler struct {
	sessions      *sessionService.Service
	store         *store.Store
	maxMediaBytes int64
	logger        zerolog.Logger
}

// New 创建会话处理器
func New(sessions *sessionService.Service, st *store.Store, maxMediaBytes int64) *Handler {
	if maxMediaBytes <= 0 {
		maxMediaBytes = sessionService.DefaultMaxMediaBytes
	}
	return &Handler{
		sessions:      sessions,
		store:         st,
		maxMediaBytes: maxMediaBytes,
		logger:        observability.Component("http.session"),
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleCreate)
	r.Get("/sessions", h.handleList)
	r.Get("/sessions/{sessionID}", h.handleStatus)
	r.Delete("/sessions/{sessionID}", h.handleLogout)
	r.Get("/sessions/{sessionID}/qr", h.handleQR)
	r.Post("/sessions/{sessionID}/logout", h.handleLogout)
	r.Get("/sessions/{sessionID}/messages", h.handleMessages)
	r.Post("/sessions/{sessionID}/messages", h.handleSendMessage)
	r.Post("/sessions/{sessionID}/media", h.handleSendMedia)
	r.Get("/media/{sessionID}/{name}", h.handleDownload)
}

// handleCreate 创建会话，驱动在后台启动
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID        string `json:"id"`
		SessionID string `json:"sessionId"`
	}
	if err := utils.DecodeJSON(w, r, maxJSONBody, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := strings.TrimSpace(payload.ID)
	if id == "" {
		id = strings.TrimSpace(payload.SessionID)
	}
	if id == "" {
		utils.RespondError(w, http.StatusBadRequest, "id is required")
		return
	}

	snap, err := h.sessions.CreateSession(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, snap)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.sessions.ListSessions())
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.GetStatus(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, snap)
}

// handleQR 返回当前配对二维码
func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request) {
	challenge, err := h.sessions.PairingChallenge(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, challenge)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := h.sessions.Logout(r.Context(), id); err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"sessionId": id, "status": "logged_out"})
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}

	msgs, err := h.sessions.Messages(chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, msgs)
}

// handleSendMessage 发送文本消息
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Recipient string `json:"recipient"`
		Body      string `json:"body"`
	}
	if err := utils.DecodeJSON(w, r, maxJSONBody, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Body == "" {
		utils.RespondError(w, http.StatusBadRequest, "body is required")
		return
	}

	res, err := h.sessions.SendMessage(r.Context(), chi.URLParam(r, "sessionID"), payload.Recipient, payload.Body)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, res)
}

type mediaRef struct {
	Data     string `json:"data"`
	URL      string `json:"url"`
	Ref      string `json:"ref"`
	MimeType string `json:"mimeType"`
	Filename string `json:"filename"`
}

// handleSendMedia 发送媒体消息，支持JSON引用或multipart上传
func (h *Handler) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	var (
		recipient string
		caption   string
		src       sessionService.MediaSource
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxMediaBytes+maxJSONBody)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				utils.RespondError(w, http.StatusRequestEntityTooLarge, "media exceeds size limit")
				return
			}
			utils.RespondError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("media")
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "media file is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "failed to read media file")
			return
		}

		recipient = r.FormValue("recipient")
		caption = r.FormValue("caption")
		src = sessionService.MediaSource{
			Data:     data,
			MimeType: header.Header.Get("Content-Type"),
			Filename: header.Filename,
		}
	} else {
		var payload struct {
			Recipient string   `json:"recipient"`
			Caption   string   `json:"caption"`
			MediaRef  mediaRef `json:"mediaRef"`
		}
		if err := utils.DecodeJSON(w, r, h.maxMediaBytes*2, &payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		recipient = payload.Recipient
		caption = payload.Caption
		src = sessionService.MediaSource{
			Encoded:  payload.MediaRef.Data,
			URL:      payload.MediaRef.URL,
			Ref:      payload.MediaRef.Ref,
			MimeType: payload.MediaRef.MimeType,
			Filename: payload.MediaRef.Filename,
		}
	}

	res, err := h.sessions.SendMedia(r.Context(), chi.URLParam(r, "sessionID"), recipient, src, caption)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, res)
}

// handleDownload 下载已存储的媒体
func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "sessionID") + "/" + chi.URLParam(r, "name")

	rc, size, err := h.store.OpenBlob(r.Context(), ref)
	if errors.Is(err, store.ErrBlobNotFound) {
		utils.RespondError(w, http.StatusNotFound, "media not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("ref", ref).Msg("failed to open media")
		utils.RespondError(w, http.StatusInternalServerError, "failed to open media")
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(ref))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn().Err(err).Str("ref", ref).Msg("media download interrupted")
	}
}

// respondServiceError 将服务层错误映射为HTTP状态码
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Int("status", status).Msg("session request failed")
	}
	utils.RespondError(w, status, err.Error())
}

// StatusFor maps service errors to HTTP status codes.
func StatusFor(err error) int {
	var driverErr *sessionService.DriverError
	switch {
	case errors.Is(err, sessionService.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sessionService.ErrAlreadyExists), errors.Is(err, sessionService.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, sessionService.ErrNoPairingChallenge):
		return http.StatusNotFound
	case errors.Is(err, sessionService.ErrInvalidSessionID), errors.Is(err, sessionService.ErrInvalidRecipient):
		return http.StatusBadRequest
	case errors.Is(err, sessionService.ErrUnsupportedMediaSource):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, sessionService.ErrMediaTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, sessionService.ErrMediaUnavailable):
		return http.StatusUnprocessableEntity
	case errors.As(err, &driverErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
