package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/mountebank-testing/imposters/internal/models"
	"github.com/mountebank-testing/imposters/internal/util"
)

// ImposterFactory opens the listener for a validated configuration and
// registers the running imposter
type ImposterFactory interface {
	CreateImposter(ctx context.Context, config *models.ImposterConfig) (*models.Imposter, error)
}

type errorsBody struct {
	Errors []*util.MountebankError `json:"errors"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "    ")
	_ = encoder.Encode(v)
}

// writeErrors renders errs; the first error decides the status code
func writeErrors(w http.ResponseWriter, logger *util.Logger, errs ...*util.MountebankError) {
	status := http.StatusBadRequest
	if len(errs) > 0 {
		status = statusFor(errs[0].Code)
	}
	for _, err := range errs {
		logger.Warnf("error: %s", err.Error())
	}
	writeJSON(w, status, errorsBody{Errors: errs})
}

func writeError(w http.ResponseWriter, logger *util.Logger, err error) {
	mbErr, ok := util.AsMountebankError(err)
	if !ok {
		logger.Errorf("%v", err)
		writeJSON(w, http.StatusInternalServerError, errorsBody{Errors: []*util.MountebankError{{Message: err.Error()}}})
		return
	}
	writeErrors(w, logger, mbErr)
}

func statusFor(code util.ErrorCode) int {
	switch code {
	case util.MissingResourceError:
		return http.StatusNotFound
	case util.ResourceConflictError:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// readObject decodes the request body as a JSON object
func readObject(r *http.Request) (map[string]interface{}, *util.MountebankError) {
	var raw interface{}
	if err := decodeBody(r, &raw); err != nil {
		return nil, err
	}
	object, ok := raw.(map[string]interface{})
	if !ok {
		return nil, util.NewInvalidJSONError("Unable to parse body as JSON: expected an object")
	}
	return object, nil
}

func decodeBody(r *http.Request, v interface{}) *util.MountebankError {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return util.NewInvalidJSONError(fmt.Sprintf("Unable to read body: %v", err))
	}
	if err := json.Unmarshal(data, v); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) || len(data) == 0 {
			return util.NewInvalidJSONError("Unable to parse body as JSON")
		}
		return util.NewInvalidJSONError(err.Error())
	}
	return nil
}

// queryBool reads a true/false query parameter, falling back to def
func queryBool(r *http.Request, name string, def bool) bool {
	value := r.URL.Query().Get(name)
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return parsed
}

func jsonOptions(r *http.Request, replayable bool) models.ToJSONOptions {
	return models.ToJSONOptions{
		Replayable:    queryBool(r, "replayable", replayable),
		RemoveProxies: queryBool(r, "removeProxies", false),
	}
}
