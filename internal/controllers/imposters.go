package controllers

import (
	"fmt"
	"net/http"

	"github.com/mountebank-testing/imposters/internal/models"
	"github.com/mountebank-testing/imposters/internal/scripting"
	"github.com/mountebank-testing/imposters/internal/util"
)

// ImpostersController handles imposter collection endpoints
type ImpostersController struct {
	repository *models.ImposterRepository
	factory    ImposterFactory
	scripts    *scripting.Engine
	logger     *util.Logger
}

// NewImpostersController creates a new imposters controller
func NewImpostersController(repository *models.ImposterRepository, factory ImposterFactory, scripts *scripting.Engine, logger *util.Logger) *ImpostersController {
	return &ImpostersController{
		repository: repository,
		factory:    factory,
		scripts:    scripts,
		logger:     logger,
	}
}

type impostersBody struct {
	Imposters []*models.ImposterInfo `json:"imposters"`
}

func project(imposters []*models.Imposter, options models.ToJSONOptions) impostersBody {
	body := impostersBody{Imposters: make([]*models.ImposterInfo, 0, len(imposters))}
	for _, imposter := range imposters {
		body.Imposters = append(body.Imposters, imposter.ToJSON(options))
	}
	return body
}

// Get handles GET /imposters
func (ic *ImpostersController) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, project(ic.repository.GetAll(), jsonOptions(r, false)))
}

// Post handles POST /imposters
func (ic *ImpostersController) Post(w http.ResponseWriter, r *http.Request) {
	raw, mbErr := readObject(r)
	if mbErr != nil {
		writeErrors(w, ic.logger, mbErr)
		return
	}

	config, errs := models.ValidateImposterConfig(r.Context(), raw, ic.scripts, ic.logger)
	if len(errs) > 0 {
		writeErrors(w, ic.logger, errs...)
		return
	}

	imposter, err := ic.factory.CreateImposter(r.Context(), config)
	if err != nil {
		writeError(w, ic.logger, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("http://%s/imposters/%d", r.Host, imposter.Port()))
	writeJSON(w, http.StatusCreated, imposter.ToJSON(models.ToJSONOptions{}))
}

// Delete handles DELETE /imposters
func (ic *ImpostersController) Delete(w http.ResponseWriter, r *http.Request) {
	deleted := ic.repository.DeleteAll(r.Context())
	writeJSON(w, http.StatusOK, project(deleted, jsonOptions(r, true)))
}

// Put handles PUT /imposters, replacing every imposter. The body is either
// {"imposters": [...]} or a bare array. Nothing is replaced unless every
// configuration is valid.
func (ic *ImpostersController) Put(w http.ResponseWriter, r *http.Request) {
	var body interface{}
	if mbErr := decodeBody(r, &body); mbErr != nil {
		writeErrors(w, ic.logger, mbErr)
		return
	}

	var raws []interface{}
	switch typed := body.(type) {
	case map[string]interface{}:
		raws, _ = typed["imposters"].([]interface{})
	case []interface{}:
		raws = typed
	default:
		writeErrors(w, ic.logger, util.NewInvalidJSONError("Invalid JSON: must be an object or an array"))
		return
	}

	configs := make([]*models.ImposterConfig, 0, len(raws))
	var errs []*util.MountebankError
	for _, item := range raws {
		raw, ok := item.(map[string]interface{})
		if !ok {
			errs = append(errs, util.NewValidationError("each imposter must be an object", item))
			continue
		}
		config, configErrs := models.ValidateImposterConfig(r.Context(), raw, ic.scripts, ic.logger)
		errs = append(errs, configErrs...)
		if config != nil {
			configs = append(configs, config)
		}
	}
	if len(errs) > 0 {
		writeErrors(w, ic.logger, errs...)
		return
	}

	ic.repository.DeleteAll(r.Context())

	created := make([]*models.Imposter, 0, len(configs))
	for _, config := range configs {
		imposter, err := ic.factory.CreateImposter(r.Context(), config)
		if err != nil {
			writeError(w, ic.logger, err)
			return
		}
		created = append(created, imposter)
	}

	writeJSON(w, http.StatusOK, project(created, models.ToJSONOptions{}))
}
