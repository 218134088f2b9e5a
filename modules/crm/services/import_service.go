package services

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	gerrors "github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importjob"
	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importschema"
	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/mapping"
	"github.com/relatecrm/relate-sdk/modules/crm/domain/sink"
	"github.com/relatecrm/relate-sdk/pkg/composables"
	"github.com/relatecrm/relate-sdk/pkg/eventbus"
	"github.com/relatecrm/relate-sdk/pkg/tabular"
)

// PreviewRowCount caps preview decoding regardless of file size so the
// mapping screen stays responsive.
const PreviewRowCount = 5

var (
	ErrInvalidSubmission = gerrors.New("invalid import submission")
	ErrFileNotDecodable  = gerrors.New("uploaded file could not be decoded")
)

var validate = validator.New()

// PreviewResult is what the mapping screen renders: the file's headers, a
// bounded sample, the dictionary-proposed mapping, and the target schema.
type PreviewResult struct {
	Headers  []string
	Rows     []tabular.Row
	Proposed map[string]string
	Schema   importschema.Schema
}

// SubmitDTO is the full submission payload: the decoded rows together
// with the user-confirmed mapping and policy settings.
type SubmitDTO struct {
	EntityType string             `json:"entity_type" validate:"required"`
	Filename   string             `json:"filename" validate:"required"`
	FileSize   int64              `json:"file_size" validate:"gte=0"`
	Mapping    map[string]string  `json:"column_mapping" validate:"required"`
	Settings   importjob.Settings `json:"import_settings"`
	Rows       []map[string]any   `json:"rows"`
}

// ImportService is the client-visible surface of the import pipeline.
type ImportService struct {
	jobs       importjob.Repository
	records    sink.RecordSink
	processor  *ImportProcessor
	publisher  eventbus.EventBus
	pool       *pgxpool.Pool
	logger     *logrus.Logger
	dictionary mapping.Dictionary

	running sync.WaitGroup
}

func NewImportService(
	jobs importjob.Repository,
	records sink.RecordSink,
	processor *ImportProcessor,
	publisher eventbus.EventBus,
	pool *pgxpool.Pool,
	logger *logrus.Logger,
	dictionary mapping.Dictionary,
) *ImportService {
	return &ImportService{
		jobs:       jobs,
		records:    records,
		processor:  processor,
		publisher:  publisher,
		pool:       pool,
		logger:     logger,
		dictionary: dictionary,
	}
}

// Preview decodes the upload's header row and first rows and proposes a
// column mapping from the synonym dictionary. Nothing is persisted.
func (s *ImportService) Preview(ctx context.Context, entity importschema.EntityType, filename string, file io.Reader) (*PreviewResult, error) {
	schema, err := importschema.Get(entity)
	if err != nil {
		return nil, gerrors.Wrap(ErrInvalidSubmission, err.Error())
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, gerrors.Wrap(err, "failed to read upload")
	}
	if err := checkContent(filename, data); err != nil {
		return nil, err
	}

	table, err := tabular.Decode(filename, bytes.NewReader(data), tabular.DecodeOptions{MaxRows: PreviewRowCount})
	if err != nil {
		return nil, gerrors.Wrap(ErrFileNotDecodable, err.Error())
	}

	proposed := mapping.Resolve(table.Headers, s.dictionary.ForEntity(entity))
	return &PreviewResult{
		Headers:  table.Headers,
		Rows:     table.Rows,
		Proposed: proposed.ToMap(),
		Schema:   schema,
	}, nil
}

// Submit validates the payload, creates the pending job, and hands it to
// the processing engine asynchronously. The returned job is the pending
// record the client polls.
func (s *ImportService) Submit(ctx context.Context, dto *SubmitDTO) (importjob.ImportJob, error) {
	if dto == nil {
		return importjob.ImportJob{}, gerrors.Wrap(ErrInvalidSubmission, "missing payload")
	}
	if err := validate.Struct(dto); err != nil {
		return importjob.ImportJob{}, gerrors.Wrap(ErrInvalidSubmission, err.Error())
	}

	entity, err := importschema.ParseEntityType(dto.EntityType)
	if err != nil {
		return importjob.ImportJob{}, gerrors.Wrap(ErrInvalidSubmission, err.Error())
	}
	schema, err := importschema.Get(entity)
	if err != nil {
		return importjob.ImportJob{}, gerrors.Wrap(ErrInvalidSubmission, err.Error())
	}

	// A payload violating the resolver invariants is a submission error;
	// the job is never created.
	colMapping, err := mapping.FromMap(dto.Mapping)
	if err != nil {
		return importjob.ImportJob{}, gerrors.Wrap(ErrInvalidSubmission, err.Error())
	}
	if err := colMapping.Validate(schema); err != nil {
		return importjob.ImportJob{}, gerrors.Wrap(ErrInvalidSubmission, err.Error())
	}

	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return importjob.ImportJob{}, err
	}

	rows := toTabularRows(dto.Rows)
	job := importjob.New(
		tenantID,
		entity,
		dto.Filename,
		dto.FileSize,
		colMapping.ToMap(),
		dto.Settings,
		len(rows),
	)

	// The engine goroutine reads the job through the pool, so the pending
	// row must already be committed when processing starts. Creating it
	// through the caller's request transaction would leave the engine
	// racing that commit; the create runs on its own connection instead.
	bgCtx := s.backgroundContext(tenantID, job.ID())
	created, err := s.jobs.Create(bgCtx, job)
	if err != nil {
		return importjob.ImportJob{}, err
	}
	s.publisher.Publish(importjob.NewCreatedEvent(created))

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		if err := s.processor.Process(bgCtx, created, rows); err != nil {
			composables.UseLogger(bgCtx).WithError(err).Error("import processing ended with error")
		}
	}()

	return created, nil
}

// Wait blocks until all in-flight import jobs have reached a terminal
// status. Used by graceful shutdown and by tests.
func (s *ImportService) Wait() {
	s.running.Wait()
}

func (s *ImportService) GetByID(ctx context.Context, id uuid.UUID) (importjob.ImportJob, error) {
	return s.jobs.GetByID(ctx, id)
}

func (s *ImportService) ListRecent(ctx context.Context, params *importjob.FindParams) ([]importjob.ImportJob, int64, error) {
	return s.jobs.ListRecent(ctx, params)
}

// Cancel requests cooperative cancellation; the engine honors it at the
// next batch boundary.
func (s *ImportService) Cancel(ctx context.Context, id uuid.UUID) error {
	return s.jobs.RequestCancel(ctx, id)
}

// backgroundContext builds the context processing runs under once the
// submitting request has returned: same tenant, fresh lifetime.
func (s *ImportService) backgroundContext(tenantID uuid.UUID, jobID uuid.UUID) context.Context {
	ctx := context.Background()
	if s.pool != nil {
		ctx = composables.WithPool(ctx, s.pool)
	}
	ctx = composables.WithTenantID(ctx, tenantID)
	logger := s.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return composables.WithLogger(ctx, logger.WithField("job_id", jobID.String()))
}

// checkContent rejects uploads whose bytes cannot possibly match their
// extension, before the decoder spends time on them.
func checkContent(filename string, data []byte) error {
	if len(data) == 0 {
		return gerrors.Wrap(ErrFileNotDecodable, "file is empty")
	}
	detected := mimetype.Detect(data)
	switch {
	case detected.Is("application/zip"),
		detected.Is("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"):
		return nil
	case detected.Parent() != nil && detected.Parent().Is("text/plain"), detected.Is("text/plain"), detected.Is("text/csv"):
		return nil
	default:
		return gerrors.Wrapf(ErrFileNotDecodable, "content type %s does not look like a spreadsheet or delimited text", detected.String())
	}
}

// toTabularRows converts the JSON row payload into decoded cell values,
// mirroring what the decoder produces from the original file.
func toTabularRows(raw []map[string]any) []tabular.Row {
	rows := make([]tabular.Row, 0, len(raw))
	for _, rawRow := range raw {
		row := make(tabular.Row, len(rawRow))
		for header, value := range rawRow {
			switch v := value.(type) {
			case nil:
				row[header] = tabular.Empty()
			case string:
				row[header] = tabular.String(v)
			case float64:
				row[header] = tabular.Number(v)
			case bool:
				if v {
					row[header] = tabular.String("true")
				} else {
					row[header] = tabular.String("false")
				}
			default:
				row[header] = tabular.Empty()
			}
		}
		rows = append(rows, row)
	}
	return rows
}
