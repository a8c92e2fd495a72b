package api

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/mathia-chat/mathia/internal/apierr"
)

const maxUploadBytes = 10 << 20 // 10MB attachment limit

// handleUpload accepts a multipart attachment and returns a content
// address the caller can reference as a message attachment. Mathia stores
// the blob out of scope for this expansion (object storage is a
// deployment concern); this handler validates size/shape and returns the
// digest the client embeds in a subsequent send_message call.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, validation("upload exceeds the size limit or is malformed"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, validation("file field is required"))
		return
	}
	defer file.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeError(w, apierr.New(apierr.Internal, err))
		return
	}
	if n > maxUploadBytes {
		writeError(w, validation("upload exceeds the size limit"))
		return
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	writeJSON(w, http.StatusOK, map[string]any{
		"content_id": digest,
		"filename":   header.Filename,
		"size_bytes": n,
	})
}
