package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/circle/internal/api/middleware"
	"github.com/eldtechnologies/circle/internal/media"
	"github.com/eldtechnologies/circle/internal/models"
)

// SendMessageRequest is the JSON body of POST /send-message.
type SendMessageRequest struct {
	ToID string `json:"toId"`
	models.Content
}

// SendMessage persists a message and pushes it to the recipient if online.
// Accepts JSON, or multipart with toId, an optional text caption and a
// "media" file.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	var err error
	uploaded := strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
	if uploaded {
		req, err = h.readUpload(r)
	} else {
		err = decodeJSON(r, &req)
	}
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	msg, err := h.router.Send(r.Context(), middleware.GetUserFromContext(r.Context()), req.ToID, req.Content)
	if err != nil {
		// A file saved by this request is useless without the message.
		if uploaded {
			if rmErr := h.media.Remove(req.Media); rmErr != nil {
				h.logger.Warn().Err(rmErr).Str("media", req.Media).Msg("failed to remove orphaned upload")
			}
		}
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, msg)
}

func (h *Handler) readUpload(r *http.Request) (SendMessageRequest, error) {
	var req SendMessageRequest
	if err := r.ParseMultipartForm(media.MaxFormMemory); err != nil {
		return req, fmt.Errorf("%w: invalid multipart body", models.ErrInvalidContent)
	}
	defer r.MultipartForm.RemoveAll()

	req.ToID = r.FormValue("toId")
	// Validate the target before writing anything to disk.
	if err := models.ValidateUserID(req.ToID); err != nil {
		return req, err
	}

	file, header, err := r.FormFile("media")
	if err != nil {
		return req, fmt.Errorf("%w: media file is required", models.ErrInvalidContent)
	}
	defer file.Close()

	uri, kind, err := h.media.Save(file, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		return req, err
	}
	if t := r.FormValue("type"); t != "" && models.ContentType(t) != kind {
		h.logger.Debug().Str("declared", t).Str("detected", string(kind)).Msg("upload type overridden")
	}

	req.Content = models.MediaContent(uri, kind)
	req.Content.Text = r.FormValue("text")
	return req, nil
}

// History returns the caller's conversation with {userId} as a bare array,
// oldest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	peer := chi.URLParam(r, "userId")

	msgs, err := h.router.History(r.Context(), middleware.GetUserFromContext(r.Context()), peer)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, msgs)
}

// MarkReadRequest is the body of POST /mark-read.
type MarkReadRequest struct {
	MsgID string `json:"msgId"`
}

// MarkRead flags a message as read. Only its recipient may do so.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if err := decodeJSON(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	if req.MsgID == "" {
		h.Fail(w, r, fmt.Errorf("%w: msgId is required", models.ErrInvalidContent))
		return
	}

	msg, err := h.router.MarkRead(r.Context(), req.MsgID, middleware.GetUserFromContext(r.Context()))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, msg)
}
