// Package upload stores chat attachments on local disk. The handler accepts a
// multipart upload, sniffs the real content type from magic bytes, and hands
// back the reference path a client embeds in a chat message.
package upload

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// MaxUploadBytes caps attachment size at 8 MB.
const MaxUploadBytes = 8 << 20

// allowedTypes is the set of sniffed MIME types accepted as attachments.
// The client-declared Content-Type is ignored; only magic bytes count.
var allowedTypes = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

// Service saves uploads under dir and serves them back at urlPrefix.
type Service struct {
	dir       string
	urlPrefix string
}

// NewService creates the upload directory if needed and returns a Service.
func NewService(dir, urlPrefix string) (*Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: create dir %s: %w", dir, err)
	}
	return &Service{dir: dir, urlPrefix: urlPrefix}, nil
}

type uploadResponse struct {
	FilePath string `json:"file_path"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Handle accepts a multipart POST with a "file" field, validates the sniffed
// content type, and stores the file under a random name. The response carries
// the public path for use as a message attachment reference.
func (s *Service) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "missing or oversized file field")
		return
	}
	defer file.Close()

	// Sniff magic bytes before trusting anything about the upload.
	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		httpError(w, http.StatusBadRequest, "unreadable upload")
		return
	}
	head = head[:n]

	detected := mimetype.Detect(head)
	ext, ok := allowedType(detected)
	if !ok {
		httpError(w, http.StatusUnsupportedMediaType, "unsupported file type "+detected.String())
		return
	}

	name := uuid.New().String() + ext
	dst, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		log.Printf("upload: create file: %v", err)
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer dst.Close()

	written, err := dst.Write(head)
	if err == nil {
		var rest int64
		rest, err = io.Copy(dst, file)
		written += int(rest)
	}
	if err != nil {
		log.Printf("upload: write file %s: %v", name, err)
		os.Remove(filepath.Join(s.dir, name))
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(uploadResponse{
		FilePath: s.urlPrefix + "/" + name,
		MimeType: detected.String(),
		Size:     int64(written),
	})
}

// FileServer returns a handler that serves stored uploads.
func (s *Service) FileServer() http.Handler {
	return http.StripPrefix(s.urlPrefix+"/", http.FileServer(http.Dir(s.dir)))
}

// allowedType walks the detected type's parent chain so subtypes of an
// allowed type (e.g. text/plain variants) still match.
func allowedType(m *mimetype.MIME) (string, bool) {
	for cur := m; cur != nil; cur = cur.Parent() {
		if ext, ok := allowedTypes[cur.String()]; ok {
			return ext, true
		}
	}
	return "", false
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
