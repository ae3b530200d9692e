package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kexinoh/free-OKC/internal/session"
	"github.com/kexinoh/free-OKC/internal/workspace"
)

// uploadChunkSize is the copy buffer used when streaming uploads to disk.
const uploadChunkSize = 4 << 20

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	state, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, state.Info())
}

func (s *Server) handleSessionBoot(w http.ResponseWriter, r *http.Request) {
	state, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, state.Boot())
}

func (s *Server) handleHistoryEntry(w http.ResponseWriter, r *http.Request) {
	state, ok := s.session(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	entry, found := state.VM().HistoryEntry(id)
	if !found {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("history entry %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	state, ok := s.session(w, r)
	if !ok {
		return
	}
	result, err := state.DeleteHistory()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("session reset failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFilesList(w http.ResponseWriter, r *http.Request) {
	state, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files":                state.Uploads(),
		"upload_limit":         session.MaxUploadFiles,
		"max_upload_size_mb":   session.MaxUploadBytes / (1 << 20),
		"max_upload_size_bytes": session.MaxUploadBytes,
	})
}

func (s *Server) handleFilesUpload(w http.ResponseWriter, r *http.Request) {
	state, ok := s.session(w, r)
	if !ok {
		return
	}
	reader, err := r.MultipartReader()
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "expected multipart form upload")
		return
	}

	existing := len(state.Uploads())
	var records []session.UploadRecord
	var written []string
	fail := func(status int, detail string) {
		for _, path := range written {
			os.Remove(path)
		}
		writeDetail(w, status, detail)
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			fail(http.StatusBadRequest, "malformed multipart body: "+err.Error())
			return
		}
		field := part.FormName()
		if (field != "files" && field != "files[]") || part.FileName() == "" {
			part.Close()
			continue
		}
		if existing+len(records) >= session.MaxUploadFiles {
			part.Close()
			fail(http.StatusBadRequest, fmt.Sprintf("upload limit of %d files per session exceeded", session.MaxUploadFiles))
			return
		}

		name := filepath.Base(part.FileName())
		relative := filepath.ToSlash(filepath.Join("uploads", name))
		target, err := state.Workspace().Resolve(relative)
		if err != nil {
			part.Close()
			fail(http.StatusBadRequest, fmt.Sprintf("invalid upload name %q", name))
			return
		}
		size, err := writeUploadPart(target, part)
		part.Close()
		if err != nil {
			os.Remove(target)
			if errors.Is(err, errUploadTooLarge) {
				fail(http.StatusRequestEntityTooLarge,
					fmt.Sprintf("file %q exceeds the %d MiB limit", name, session.MaxUploadBytes/(1<<20)))
				return
			}
			fail(http.StatusInternalServerError, fmt.Sprintf("store %q: %v", name, err))
			return
		}
		written = append(written, target)
		records = append(records, session.UploadRecord{
			Name:         name,
			RelativePath: relative,
			SizeBytes:    size,
		})
	}

	if len(records) == 0 {
		writeDetail(w, http.StatusBadRequest, "no files in upload")
		return
	}
	all := state.RegisterUploadedFiles(records)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"saved": records,
		"files": all,
	})
}

var errUploadTooLarge = errors.New("upload exceeds size limit")

// writeUploadPart streams one part to disk in fixed-size chunks,
// enforcing the per-file byte limit as it copies.
func writeUploadPart(target string, part *multipart.Part) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	file, err := os.Create(target)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	buf := make([]byte, uploadChunkSize)
	var total int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > session.MaxUploadBytes {
				return total, errUploadTooLarge
			}
			if _, err := file.Write(buf[:n]); err != nil {
				return total, err
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, readErr
		}
	}
}

func snapshotLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return session.DefaultSnapshotLimit
}

func (s *Server) handleSnapshotList(w http.ResponseWriter, r *http.Request) {
	state, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, state.ListWorkspaceSnapshots(snapshotLimit(r)))
}

func (s *Server) handleSnapshotCreate(w http.ResponseWriter, r *http.Request) {
	state, ok := s.session(w, r)
	if !ok {
		return
	}
	var body struct {
		Label string `json:"label"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	result, err := state.SnapshotWorkspace(body.Label, snapshotLimit(r))
	if err != nil {
		writeSnapshotError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSnapshotRestore(w http.ResponseWriter, r *http.Request) {
	state, ok := s.session(w, r)
	if !ok {
		return
	}
	var body struct {
		SnapshotID string `json:"snapshot_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.SnapshotID == "" {
		writeDetail(w, http.StatusBadRequest, "snapshot_id is required")
		return
	}
	result, err := state.RestoreWorkspace(body.SnapshotID, snapshotLimit(r))
	if err != nil {
		writeSnapshotError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSnapshotBranch(w http.ResponseWriter, r *http.Request) {
	state, ok := s.session(w, r)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" {
		writeDetail(w, http.StatusBadRequest, "name is required")
		return
	}
	result, err := state.BranchWorkspace(body.Name, snapshotLimit(r))
	if err != nil {
		writeSnapshotError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeSnapshotError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workspace.ErrStateDisabled):
		writeDetail(w, http.StatusBadRequest, "workspace snapshots are disabled for this session")
	case errors.Is(err, workspace.ErrSnapshotUnknown):
		writeDetail(w, http.StatusNotFound, "unknown snapshot")
	default:
		writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}
