package controllers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mountebank-testing/imposters/internal/models"
	"github.com/mountebank-testing/imposters/internal/scripting"
	"github.com/mountebank-testing/imposters/internal/util"
)

// ImposterController handles single imposter endpoints
type ImposterController struct {
	repository *models.ImposterRepository
	scripts    *scripting.Engine
	logger     *util.Logger
}

// NewImposterController creates a new imposter controller
func NewImposterController(repository *models.ImposterRepository, scripts *scripting.Engine, logger *util.Logger) *ImposterController {
	return &ImposterController{
		repository: repository,
		scripts:    scripts,
		logger:     logger,
	}
}

// Get handles GET /imposters/:id
func (ic *ImposterController) Get(w http.ResponseWriter, r *http.Request) {
	imposter, ok := ic.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, imposter.ToJSON(jsonOptions(r, false)))
}

// Delete handles DELETE /imposters/:id. Deleting a missing imposter is not
// an error and answers with an empty object.
func (ic *ImposterController) Delete(w http.ResponseWriter, r *http.Request) {
	port, err := portFromRequest(r)
	if err != nil {
		writeErrors(w, ic.logger, err)
		return
	}

	imposter, deleteErr := ic.repository.Delete(r.Context(), port)
	if deleteErr != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, imposter.ToJSON(jsonOptions(r, true)))
}

// PutStubs handles PUT /imposters/:id/stubs
func (ic *ImposterController) PutStubs(w http.ResponseWriter, r *http.Request) {
	imposter, ok := ic.lookup(w, r)
	if !ok {
		return
	}

	raw, mbErr := readObject(r)
	if mbErr != nil {
		writeErrors(w, ic.logger, mbErr)
		return
	}
	rawStubs, ok := raw["stubs"].([]interface{})
	if !ok {
		writeErrors(w, ic.logger, util.NewValidationError("'stubs' must be an array", raw["stubs"]))
		return
	}

	stubs := make([]models.Stub, 0, len(rawStubs))
	var errs []*util.MountebankError
	for _, item := range rawStubs {
		stub, stubErrs := ic.validateStub(r, imposter, item)
		errs = append(errs, stubErrs...)
		if stub != nil {
			stubs = append(stubs, *stub)
		}
	}
	if len(errs) > 0 {
		writeErrors(w, ic.logger, errs...)
		return
	}

	imposter.Stubs().ReplaceAll(stubs)
	ic.saved(w, r, imposter)
}

// PostStub handles POST /imposters/:id/stubs. The position comes from
// "index" in the body or the query string; without one the stub is appended.
func (ic *ImposterController) PostStub(w http.ResponseWriter, r *http.Request) {
	imposter, ok := ic.lookup(w, r)
	if !ok {
		return
	}

	raw, mbErr := readObject(r)
	if mbErr != nil {
		writeErrors(w, ic.logger, mbErr)
		return
	}
	stub, errs := ic.validateStub(r, imposter, raw["stub"])
	if len(errs) > 0 {
		writeErrors(w, ic.logger, errs...)
		return
	}

	index, hasIndex, err := stubIndexFrom(raw, r)
	if err != nil {
		writeErrors(w, ic.logger, err)
		return
	}
	if hasIndex {
		imposter.Stubs().InsertAtIndex(*stub, index)
	} else {
		imposter.Stubs().Add(*stub)
	}
	ic.saved(w, r, imposter)
}

// PutStub handles PUT /imposters/:id/stubs/:stubIndex
func (ic *ImposterController) PutStub(w http.ResponseWriter, r *http.Request) {
	imposter, ok := ic.lookup(w, r)
	if !ok {
		return
	}
	index, mbErr := stubIndexFromPath(r, imposter)
	if mbErr != nil {
		writeErrors(w, ic.logger, mbErr)
		return
	}

	raw, mbErr := readObject(r)
	if mbErr != nil {
		writeErrors(w, ic.logger, mbErr)
		return
	}
	stub, errs := ic.validateStub(r, imposter, raw)
	if len(errs) > 0 {
		writeErrors(w, ic.logger, errs...)
		return
	}

	if err := imposter.Stubs().ReplaceAtIndex(*stub, index); err != nil {
		writeError(w, ic.logger, err)
		return
	}
	ic.saved(w, r, imposter)
}

// DeleteStub handles DELETE /imposters/:id/stubs/:stubIndex
func (ic *ImposterController) DeleteStub(w http.ResponseWriter, r *http.Request) {
	imposter, ok := ic.lookup(w, r)
	if !ok {
		return
	}
	index, mbErr := stubIndexFromPath(r, imposter)
	if mbErr != nil {
		writeErrors(w, ic.logger, mbErr)
		return
	}

	if err := imposter.Stubs().DeleteAtIndex(index); err != nil {
		writeError(w, ic.logger, err)
		return
	}
	ic.saved(w, r, imposter)
}

// ResetRequests handles DELETE /imposters/:id/savedRequests
func (ic *ImposterController) ResetRequests(w http.ResponseWriter, r *http.Request) {
	imposter, ok := ic.lookup(w, r)
	if !ok {
		return
	}
	imposter.ResetRequests()
	writeJSON(w, http.StatusOK, imposter.ToJSON(jsonOptions(r, false)))
}

// DeleteSavedProxyResponses handles DELETE /imposters/:id/savedProxyResponses
func (ic *ImposterController) DeleteSavedProxyResponses(w http.ResponseWriter, r *http.Request) {
	imposter, ok := ic.lookup(w, r)
	if !ok {
		return
	}
	imposter.DeleteSavedProxyResponses()
	ic.saved(w, r, imposter)
}

func (ic *ImposterController) lookup(w http.ResponseWriter, r *http.Request) (*models.Imposter, bool) {
	port, mbErr := portFromRequest(r)
	if mbErr != nil {
		writeErrors(w, ic.logger, mbErr)
		return nil, false
	}

	imposter, err := ic.repository.Get(port)
	if err != nil {
		writeError(w, ic.logger, err)
		return nil, false
	}
	return imposter, true
}

func (ic *ImposterController) validateStub(r *http.Request, imposter *models.Imposter, item interface{}) (*models.Stub, []*util.MountebankError) {
	raw, ok := item.(map[string]interface{})
	if !ok {
		return nil, []*util.MountebankError{util.NewValidationError("must contain 'stub' field", item)}
	}
	return models.ValidateStub(r.Context(), raw, imposter.Protocol(), ic.scripts, ic.logger)
}

// saved persists a stub change and answers with the imposter
func (ic *ImposterController) saved(w http.ResponseWriter, r *http.Request, imposter *models.Imposter) {
	ic.repository.Save(imposter)
	writeJSON(w, http.StatusOK, imposter.ToJSON(jsonOptions(r, false)))
}

func portFromRequest(r *http.Request) (int, *util.MountebankError) {
	id := mux.Vars(r)["id"]
	port, err := strconv.Atoi(id)
	if err != nil {
		return 0, util.NewValidationError("invalid port", id)
	}
	return port, nil
}

func stubIndexFromPath(r *http.Request, imposter *models.Imposter) (int, *util.MountebankError) {
	value := mux.Vars(r)["stubIndex"]
	index, err := strconv.Atoi(value)
	if err != nil || index < 0 || index >= imposter.Stubs().Count() {
		return 0, util.NewMissingResourceError("'stubIndex' must be a valid integer, representing the array index position of the stub to replace", value)
	}
	return index, nil
}

func stubIndexFrom(raw map[string]interface{}, r *http.Request) (int, bool, *util.MountebankError) {
	if value, ok := raw["index"]; ok {
		index, isNumber := value.(float64)
		if !isNumber {
			return 0, false, util.NewValidationError("'index' must be an integer", value)
		}
		return int(index), true, nil
	}

	value := r.URL.Query().Get("index")
	if value == "" {
		return 0, false, nil
	}
	index, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, util.NewValidationError("'index' must be an integer", value)
	}
	return index, true, nil
}
