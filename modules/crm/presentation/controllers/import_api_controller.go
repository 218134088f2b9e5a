package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importjob"
	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importschema"
	"github.com/relatecrm/relate-sdk/modules/crm/presentation/mappers"
	"github.com/relatecrm/relate-sdk/modules/crm/presentation/viewmodels"
	"github.com/relatecrm/relate-sdk/modules/crm/services"
	"github.com/relatecrm/relate-sdk/pkg/application"
	"github.com/relatecrm/relate-sdk/pkg/composables"
	"github.com/relatecrm/relate-sdk/pkg/configuration"
)

// importAPIService is the slice of ImportService the controller depends on.
type importAPIService interface {
	Preview(ctx context.Context, entity importschema.EntityType, filename string, file io.Reader) (*services.PreviewResult, error)
	Submit(ctx context.Context, dto *services.SubmitDTO) (importjob.ImportJob, error)
	GetByID(ctx context.Context, id uuid.UUID) (importjob.ImportJob, error)
	ListRecent(ctx context.Context, params *importjob.FindParams) ([]importjob.ImportJob, int64, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

type ImportAPIController struct {
	imports   importAPIService
	apiPrefix string
	// maxBody caps both the multipart upload and the JSON submission
	// body; the row payload is at least as large as the file it came from.
	maxBody int64
}

func NewImportAPIController(app application.Application) application.Controller {
	return &ImportAPIController{
		imports:   app.Service(services.ImportService{}).(*services.ImportService),
		apiPrefix: "/crm/api",
		maxBody:   configuration.Use().MaxUploadSize,
	}
}

func (c *ImportAPIController) Key() string {
	return c.apiPrefix
}

func (c *ImportAPIController) Register(r *mux.Router) {
	api := r.PathPrefix(c.apiPrefix).Subrouter()

	api.HandleFunc("/imports/preview", c.Preview).Methods(http.MethodPost)
	api.HandleFunc("/imports", c.Submit).Methods(http.MethodPost)
	api.HandleFunc("/imports", c.List).Methods(http.MethodGet)
	api.HandleFunc("/imports/{id}", c.GetByID).Methods(http.MethodGet)
	api.HandleFunc("/imports/{id}:cancel", c.Cancel).Methods(http.MethodPost)
	api.HandleFunc("/schemas", c.Schemas).Methods(http.MethodGet)
}

// Preview accepts a multipart upload and returns the decoded sample plus
// the proposed column mapping. Nothing is persisted.
func (c *ImportAPIController) Preview(w http.ResponseWriter, r *http.Request) {
	requestID := ensureRequestID(w, r)

	r.Body = http.MaxBytesReader(w, r.Body, c.maxBody)
	if err := r.ParseMultipartForm(c.maxBody); err != nil {
		writeAPIError(w, http.StatusRequestEntityTooLarge, requestID, "CRM_UPLOAD_TOO_LARGE", "upload exceeds the size limit")
		return
	}

	entity, err := importschema.ParseEntityType(r.FormValue("entity_type"))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "CRM_INVALID_ENTITY", err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "CRM_MISSING_FILE", "file field is required")
		return
	}
	defer file.Close()

	preview, err := c.imports.Preview(r.Context(), entity, header.Filename, file)
	if err != nil {
		c.writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, mappers.ImportPreviewToViewModel(preview))
}

func (c *ImportAPIController) Submit(w http.ResponseWriter, r *http.Request) {
	requestID := ensureRequestID(w, r)

	r.Body = http.MaxBytesReader(w, r.Body, c.maxBody)
	var dto services.SubmitDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIError(w, http.StatusRequestEntityTooLarge, requestID, "CRM_UPLOAD_TOO_LARGE", "submission exceeds the size limit")
			return
		}
		writeAPIError(w, http.StatusBadRequest, requestID, "CRM_INVALID_BODY", "invalid json body")
		return
	}

	job, err := c.imports.Submit(r.Context(), &dto)
	if err != nil {
		c.writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, mappers.ImportJobToViewModel(job))
}

func (c *ImportAPIController) List(w http.ResponseWriter, r *http.Request) {
	requestID := ensureRequestID(w, r)
	conf := configuration.Use()

	params := &importjob.FindParams{Limit: conf.PageSize}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeAPIError(w, http.StatusBadRequest, requestID, "CRM_INVALID_QUERY", "limit is invalid")
			return
		}
		if limit > conf.MaxPageSize {
			limit = conf.MaxPageSize
		}
		params.Limit = limit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeAPIError(w, http.StatusBadRequest, requestID, "CRM_INVALID_QUERY", "offset is invalid")
			return
		}
		params.Offset = offset
	}

	jobs, total, err := c.imports.ListRecent(r.Context(), params)
	if err != nil {
		c.writeServiceError(w, requestID, err)
		return
	}

	items := make([]viewmodels.ImportJob, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, mappers.ImportJobToViewModel(job))
	}

	type listResponse struct {
		Items []viewmodels.ImportJob `json:"items"`
		Total int64                  `json:"total"`
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total})
}

func (c *ImportAPIController) GetByID(w http.ResponseWriter, r *http.Request) {
	requestID := ensureRequestID(w, r)

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "CRM_INVALID_ID", "id must be a uuid")
		return
	}

	job, err := c.imports.GetByID(r.Context(), id)
	if err != nil {
		c.writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, mappers.ImportJobToViewModel(job))
}

func (c *ImportAPIController) Cancel(w http.ResponseWriter, r *http.Request) {
	requestID := ensureRequestID(w, r)

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "CRM_INVALID_ID", "id must be a uuid")
		return
	}

	if err := c.imports.Cancel(r.Context(), id); err != nil {
		c.writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

// Schemas lists the importable entity types and their canonical fields, so
// clients can render the mapping screen without hardcoding them.
func (c *ImportAPIController) Schemas(w http.ResponseWriter, r *http.Request) {
	type schemaResponse struct {
		EntityType string                   `json:"entity_type"`
		Fields     []viewmodels.ImportField `json:"fields"`
		NaturalKey []string                 `json:"natural_key"`
	}

	schemas := importschema.All()
	items := make([]schemaResponse, 0, len(schemas))
	for _, schema := range schemas {
		items = append(items, schemaResponse{
			EntityType: string(schema.Entity),
			Fields:     mappers.SchemaFieldsToViewModel(schema),
			NaturalKey: schema.NaturalKey,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (c *ImportAPIController) writeServiceError(w http.ResponseWriter, requestID string, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidSubmission):
		writeAPIError(w, http.StatusBadRequest, requestID, "CRM_INVALID_SUBMISSION", err.Error())
	case errors.Is(err, services.ErrFileNotDecodable):
		writeAPIError(w, http.StatusUnprocessableEntity, requestID, "CRM_FILE_NOT_DECODABLE", err.Error())
	case errors.Is(err, importjob.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, requestID, "CRM_IMPORT_NOT_FOUND", "import job not found")
	case errors.Is(err, importjob.ErrInvalidTransition):
		writeAPIError(w, http.StatusConflict, requestID, "CRM_INVALID_TRANSITION", err.Error())
	case errors.Is(err, composables.ErrNoTenant):
		writeAPIError(w, http.StatusUnauthorized, requestID, "CRM_NO_TENANT", "tenant is required")
	default:
		writeAPIError(w, http.StatusInternalServerError, requestID, "CRM_INTERNAL", err.Error())
	}
}
