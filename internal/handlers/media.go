package handlers

import (
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxUploadSize = 10 << 20

var allowedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".heic": true,
	".pdf": true, ".doc": true, ".docx": true, ".txt": true,
}

// firstFileFromMultipart returns the first file part regardless of field name (even name="").
func firstFileFromMultipart(r *http.Request) (io.ReadCloser, string, error) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, "", err
	}
	boundary, ok := params["boundary"]
	if !ok {
		return nil, "", fmt.Errorf("missing multipart boundary")
	}

	mr := multipart.NewReader(r.Body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, "", fmt.Errorf("no file in multipart form")
		}
		if err != nil {
			return nil, "", err
		}
		if part.FileName() == "" {
			continue
		}
		return part, part.FileName(), nil
	}
}

// uploadAttachment stores the request file under a random name and posts it
// into the session as a file message from sender.
func (h *Handler) uploadAttachment(sender string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

		var (
			src          io.ReadCloser
			originalName string
		)
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			file, name, err := firstFileFromMultipart(r)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("failed to read multipart file: %v", err))
				return
			}
			src, originalName = file, name
		} else {
			// Raw body; the client names the file in the query string.
			src, originalName = r.Body, r.URL.Query().Get("filename")
		}
		defer src.Close()

		ext := strings.ToLower(filepath.Ext(originalName))
		if !allowedExtensions[ext] {
			writeJSONError(w, http.StatusBadRequest, "unsupported file type")
			return
		}

		name := uuid.New().String() + ext
		if err := h.saveFile(name, src); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "file too large")
				return
			}
			writeError(w, r, err)
			return
		}

		msg, err := h.Intake.AttachFile(r.Context(), sessionID, sender, h.opts.PublicURL+"/media/"+name, filepath.Base(originalName))
		if err != nil {
			os.Remove(filepath.Join(h.opts.StorageDir, name))
			writeError(w, r, err)
			return
		}
		writeJSONCreated(w, "file uploaded", msg)
	}
}

func (h *Handler) saveFile(name string, src io.Reader) error {
	if err := os.MkdirAll(h.opts.StorageDir, 0755); err != nil {
		return err
	}
	fullPath := filepath.Join(h.opts.StorageDir, name)
	dst, err := os.Create(fullPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(fullPath)
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	log.Printf("handlers: stored upload %s", name)
	return nil
}

func (h *Handler) serveMedia(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		http.NotFound(w, r)
		return
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		writeJSONError(w, http.StatusBadRequest, "invalid filename")
		return
	}

	fullPath := filepath.Join(h.opts.StorageDir, name)
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, fullPath)
}
