package httpserver

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/internal/usecase"
)

// multipartOverhead covers boundaries and form fields beyond the file itself.
const multipartOverhead = 1 << 20

// UploadAttachmentHandler accepts one multipart file under "file" plus an
// optional "index" flag requesting parse + knowledge-graph indexing.
func (s *Server) UploadAttachmentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBytes := s.Cfg.MaxFileSizeBytes()
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
		file, header, err := r.FormFile("file")
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
				writeError(w, r, fmt.Errorf("%w: upload exceeds %d bytes", domain.ErrPayloadTooLarge, maxBytes), nil)
				return
			}
			writeError(w, r, fmt.Errorf("%w: file field required", domain.ErrInvalidArgument), map[string]string{"field": "file"})
			return
		}
		defer func() { _ = file.Close() }()

		index, _ := strconv.ParseBool(r.FormValue("index"))
		a, err := s.Attachments.Upload(r.Context(), usecase.UploadInput{
			EntryID:     entryID,
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			Body:        file,
			Index:       index,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusCreated, toAttachmentDTO(a))
	}
}

func (s *Server) GetAttachmentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		a, err := s.Attachments.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, toAttachmentDTO(a))
	}
}

func (s *Server) ListAttachmentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		atts, err := s.Attachments.ListByEntry(r.Context(), entryID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]attachmentDTO, 0, len(atts))
		for _, a := range atts {
			items = append(items, toAttachmentDTO(a))
		}
		writeData(w, http.StatusOK, listPage{Items: items, Total: len(items)})
	}
}

// DownloadAttachmentHandler streams the blob with its stored content type.
func (s *Server) DownloadAttachmentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		a, rc, err := s.Attachments.Download(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		defer func() { _ = rc.Close() }()
		w.Header().Set("Content-Type", a.ContentType)
		w.Header().Set("Content-Length", strconv.FormatInt(a.Size, 10))
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.OriginalFilename}))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, rc); err != nil {
			LoggerFrom(r).Warn("attachment stream interrupted", "attachment_id", a.ID, "error", err)
		}
	}
}

func (s *Server) DeleteAttachmentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		if err := s.Attachments.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, map[string]string{"id": id})
	}
}
