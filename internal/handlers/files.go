package handlers

import (
	"fmt"
	"log"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/sshterm/internal/logutil"
)

// maxUploadMemory is the multipart form size kept in memory; the rest
// spills to temporary files.
const maxUploadMemory = 32 << 20

// BrowseFiles lists a remote directory. The path defaults to the login
// directory and is returned resolved.
func BrowseFiles(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	dirPath := r.URL.Query().Get("path")
	if dirPath == "" {
		dirPath = "."
	}

	ctx := r.Context()
	client, err := s.SFTP(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}

	start := time.Now()
	resolved, err := client.RealPath(ctx, dirPath)
	if err != nil {
		writeErr(w, err)
		return
	}
	entries, err := client.ReadDir(ctx, resolved)
	if err != nil {
		log.Printf("[files] failed to list %s for session %s: %v", logutil.SanitizeForLog(resolved), s.ID, err)
		writeErr(w, err)
		return
	}
	log.Printf("[files] BrowseFiles session=%s path=%s entries=%d duration=%s", s.ID, logutil.SanitizeForLog(resolved), len(entries), time.Since(start))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":    resolved,
		"entries": entries,
	})
}

// DeletePath removes a remote file or directory tree.
func DeletePath(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	target := r.URL.Query().Get("path")
	if target == "" || path.Clean(target) == "/" {
		writeError(w, http.StatusBadRequest, "A path other than / is required")
		return
	}
	client, err := s.SFTP(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := client.RemovePath(r.Context(), target); err != nil {
		writeErr(w, err)
		return
	}
	log.Printf("[files] DeletePath session=%s path=%s", s.ID, logutil.SanitizeForLog(target))
	w.WriteHeader(http.StatusNoContent)
}

type mkdirRequest struct {
	Path    string `json:"path"`
	Parents bool   `json:"parents"`
}

func CreateDirectory(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	var req mkdirRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	client, err := s.SFTP(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if req.Parents {
		err = client.MkdirAll(r.Context(), req.Path)
	} else {
		err = client.Mkdir(r.Context(), req.Path)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": req.Path})
}

type renameRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func RenamePath(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	var req renameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.From == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}
	client, err := s.SFTP(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := client.Rename(r.Context(), req.From, req.To); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadFile streams a remote file as an attachment. The transfer shows
// up in the session's transfer list and is aborted if the client goes away.
func DownloadFile(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	filePath := r.URL.Query().Get("path")
	if filePath == "" {
		writeError(w, http.StatusBadRequest, "path parameter is required")
		return
	}

	ctx := r.Context()
	client, err := s.SFTP(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	info, err := client.Stat(ctx, filePath)
	if err != nil {
		writeErr(w, err)
		return
	}
	if info.IsDir {
		writeError(w, http.StatusBadRequest, "Cannot download a directory")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(filePath)))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))

	tr, err := s.Download(ctx, filePath, w)
	if err != nil {
		w.Header().Del("Content-Disposition")
		w.Header().Del("Content-Length")
		writeErr(w, err)
		return
	}
	// The transfer writes to w from its own goroutine.
	<-tr.Done()
	if err := tr.Err(); err != nil {
		log.Printf("[files] download %s for session %s ended: %v", logutil.SanitizeForLog(filePath), s.ID, err)
	}
}

// UploadFile stores the "file" form field in the directory given by
// ?path=, under the uploaded file's base name.
func UploadFile(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	dirPath := r.URL.Query().Get("path")
	if dirPath == "" {
		writeError(w, http.StatusBadRequest, "path parameter is required")
		return
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	name := path.Base(header.Filename)
	if name == "." || name == "/" || name == ".." {
		writeError(w, http.StatusBadRequest, "Invalid file name")
		return
	}
	target := path.Join(dirPath, name)

	ctx := r.Context()
	tr, err := s.Upload(ctx, file, header.Size, target)
	if err != nil {
		writeErr(w, err)
		return
	}
	<-tr.Done()
	if err := tr.Err(); err != nil {
		log.Printf("[files] upload %s for session %s failed: %v", logutil.SanitizeForLog(target), s.ID, err)
		writeErr(w, err)
		return
	}
	log.Printf("[files] UploadFile session=%s path=%s size=%d", s.ID, logutil.SanitizeForLog(target), header.Size)
	writeJSON(w, http.StatusCreated, tr.Info())
}

func ListTransfers(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.Transfers())
}

func AbortTransfer(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	if err := s.AbortTransfer(chi.URLParam(r, "tid")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
