package controllers

import (
	"net/http"
	"strconv"

	"github.com/mountebank-testing/imposters/internal/util"
)

// LogsController handles logs endpoints
type LogsController struct {
	logger *util.Logger
}

// NewLogsController creates a new logs controller
func NewLogsController(logger *util.Logger) *LogsController {
	return &LogsController{
		logger: logger,
	}
}

// Get handles GET /logs?startIndex=&endIndex=. endIndex is inclusive; both
// default to the full range.
func (lc *LogsController) Get(w http.ResponseWriter, r *http.Request) {
	startIndex := 0
	endIndex := -1

	if val, err := strconv.Atoi(r.URL.Query().Get("startIndex")); err == nil {
		startIndex = val
	}
	if val, err := strconv.Atoi(r.URL.Query().Get("endIndex")); err == nil && val >= 0 {
		endIndex = val + 1
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs": lc.logger.GetEntries(startIndex, endIndex),
	})
}
