package http

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/flurbudurbur/Eiga/internal/config"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type logsHandler struct {
	cfg *config.AppConfig
}

func newLogsHandler(cfg *config.AppConfig) *logsHandler {
	return &logsHandler{cfg: cfg}
}

func (h logsHandler) Routes(r chi.Router) {
	r.Get("/files", h.files)
	r.Get("/files/{logFile}", h.downloadFile)
}

type LogfilesResponse struct {
	Files []logFile `json:"files"`
	Count int       `json:"count"`
}

type logFile struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (h logsHandler) files(w http.ResponseWriter, r *http.Request) {
	response := LogfilesResponse{
		Files: []logFile{},
		Count: 0,
	}

	logPath := h.cfg.Config.Logging.Path
	if logPath == "" {
		render.JSON(w, r, response)
		return
	}

	entries, err := os.ReadDir(logPath)
	if err != nil {
		// an unreadable or missing directory just means no files to offer
		render.JSON(w, r, response)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}

		response.Files = append(response.Files, logFile{
			Name:      entry.Name(),
			SizeBytes: info.Size(),
			UpdatedAt: info.ModTime(),
		})
	}

	response.Count = len(response.Files)

	render.JSON(w, r, response)
}

func (h logsHandler) downloadFile(w http.ResponseWriter, r *http.Request) {
	logFileName := chi.URLParam(r, "logFile")

	if !strings.Contains(logFileName, ".log") {
		http.Error(w, "invalid file", http.StatusBadRequest)
		return
	}

	logPath := h.cfg.Config.Logging.Path
	if logPath == "" {
		http.Error(w, "log path not configured", http.StatusNotFound)
		return
	}

	sanitizedPath, err := SanitizeLogFile(filepath.Join(logPath, logFileName))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer os.Remove(sanitizedPath)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", logFileName))

	http.ServeFile(w, r, sanitizedPath)
}

var sensitiveValuePattern = regexp.MustCompile(`(apikey|passkey)=\S+`)

// SanitizeLogFile copies a log file to a temporary file with credential
// values masked and returns the copy's path. The caller removes the copy
// when done with it.
func SanitizeLogFile(filePath string) (string, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return "", err
	}

	sanitized := sensitiveValuePattern.ReplaceAllString(string(content), "${1}=REDACTED")

	tmp, err := os.CreateTemp("", "sanitized-*.log")
	if err != nil {
		return "", err
	}

	if _, err := tmp.WriteString(sanitized); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	return tmp.Name(), nil
}
