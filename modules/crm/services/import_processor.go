package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importjob"
	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importschema"
	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/mapping"
	"github.com/relatecrm/relate-sdk/modules/crm/domain/sink"
	"github.com/relatecrm/relate-sdk/pkg/composables"
	"github.com/relatecrm/relate-sdk/pkg/eventbus"
	"github.com/relatecrm/relate-sdk/pkg/tabular"
)

type ProcessorConfig struct {
	BatchSize                 int
	Workers                   int
	WriteTimeout              time.Duration
	MaxConsecutiveWriteFaults int
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxConsecutiveWriteFaults <= 0 {
		c.MaxConsecutiveWriteFaults = 5
	}
	return c
}

// ImportProcessor is the processing engine behind submitted jobs: it
// batches rows, runs validation and dedup per row, writes accepted rows
// to the tenant's store, and keeps the job's counters moving so progress
// reads stay live. A single row failing never aborts the job; only
// pipeline-level faults do.
type ImportProcessor struct {
	jobs      importjob.Repository
	records   sink.RecordSink
	publisher eventbus.EventBus
	cfg       ProcessorConfig
}

func NewImportProcessor(
	jobs importjob.Repository,
	records sink.RecordSink,
	publisher eventbus.EventBus,
	cfg ProcessorConfig,
) *ImportProcessor {
	return &ImportProcessor{
		jobs:      jobs,
		records:   records,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
	}
}

// rowOutcome is one row's result, carried back to the batch loop where
// counters are applied in order.
type rowOutcome struct {
	pos        int
	successful bool
	skipped    bool
	rowErr     *importjob.RowError
	writeFault bool
}

// Process runs the job to a terminal status. It owns the job from the
// pending→processing transition onward.
func (p *ImportProcessor) Process(ctx context.Context, job importjob.ImportJob, rows []tabular.Row) error {
	logger := composables.UseLogger(ctx).WithFields(map[string]interface{}{
		"job_id":      job.ID().String(),
		"entity_type": string(job.Entity()),
		"total_rows":  len(rows),
	})

	job, err := p.jobs.Start(ctx, job.ID())
	if err != nil {
		return err
	}
	logger.Info("import job started")

	schema, err := importschema.Get(job.Entity())
	if err != nil {
		// A missing schema is a pipeline fault, not a row error.
		return p.fail(ctx, job, job.Counters(), fmt.Errorf("import pipeline fault: %w", err))
	}

	colMapping, err := mapping.FromMap(job.ColumnMapping())
	if err != nil {
		return p.fail(ctx, job, job.Counters(), fmt.Errorf("import pipeline fault: %w", err))
	}
	pairs := colMapping.Pairs()

	validator := newImportValidator(schema, job.Settings(), p.records)

	counters := job.Counters()
	consecutiveWriteFaults := 0

	for batchStart := 0; batchStart < len(rows); batchStart += p.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return p.fail(ctx, job, counters, fmt.Errorf("import pipeline fault: %w", err))
		}

		// Cancellation is cooperative: honored between batches, never by
		// preempting an in-flight write. Rows already committed stay
		// committed.
		cancelled, err := p.jobs.CancelRequested(ctx, job.ID())
		if err != nil {
			return p.fail(ctx, job, counters, fmt.Errorf("import pipeline fault: %w", err))
		}
		if cancelled {
			logger.WithField("processed_rows", counters.Processed).Info("import job cancelled")
			return p.finish(ctx, job, importjob.StatusCancelled, counters)
		}

		batchEnd := batchStart + p.cfg.BatchSize
		if batchEnd > len(rows) {
			batchEnd = len(rows)
		}

		outcomes := p.processBatch(ctx, validator, pairs, rows[batchStart:batchEnd], batchStart)

		var delta importjob.BatchDelta
		var batchErrors []importjob.RowError
		for _, outcome := range outcomes {
			delta.Processed++
			switch {
			case outcome.successful:
				delta.Successful++
			case outcome.skipped:
				delta.Skipped++
			default:
				delta.Failed++
			}
			if outcome.rowErr != nil {
				batchErrors = append(batchErrors, *outcome.rowErr)
			}
			if outcome.writeFault {
				consecutiveWriteFaults++
			} else {
				consecutiveWriteFaults = 0
			}
		}

		applied, err := p.jobs.ApplyBatch(ctx, job.ID(), delta, batchErrors)
		if err != nil {
			return p.fail(ctx, job, counters, fmt.Errorf("import pipeline fault: %w", err))
		}
		counters = applied
		logger.WithFields(map[string]interface{}{
			"processed_rows": counters.Processed,
			"progress":       counters.Progress(),
		}).Debug("import batch applied")

		if consecutiveWriteFaults >= p.cfg.MaxConsecutiveWriteFaults {
			return p.fail(ctx, job, counters, fmt.Errorf(
				"import pipeline fault: %d consecutive row writes failed, store presumed unavailable",
				consecutiveWriteFaults,
			))
		}
	}

	logger.WithFields(map[string]interface{}{
		"successful_rows": counters.Successful,
		"failed_rows":     counters.Failed,
		"skipped_rows":    counters.Skipped,
	}).Info("import job completed")
	return p.finish(ctx, job, importjob.StatusCompleted, counters)
}

// processBatch validates and writes one batch's rows through a bounded
// worker pool. Rows sharing a natural key are chained onto the same
// worker and run in row order: a duplicate later in the batch must see
// the write of the earlier one, and a concurrent lookup could miss it.
// Outcomes come back ordered by row position so counter and error
// accounting stays deterministic.
func (p *ImportProcessor) processBatch(
	ctx context.Context,
	validator *importValidator,
	pairs []mapping.Pair,
	batch []tabular.Row,
	offset int,
) []rowOutcome {
	outcomes := make([]rowOutcome, len(batch))

	records := make([]sink.Record, len(batch))
	for pos := range batch {
		records[pos] = buildRecord(pairs, batch[pos])
	}
	groups := groupByNaturalKey(validator.schema, records)

	workers := p.cfg.Workers
	if workers > len(groups) {
		workers = len(groups)
	}

	work := make(chan []int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for positions := range work {
				for _, pos := range positions {
					outcomes[pos] = p.processRow(ctx, validator, records[pos], offset+pos)
				}
			}
		}()
	}
	for _, positions := range groups {
		work <- positions
	}
	close(work)
	wg.Wait()

	return outcomes
}

// groupByNaturalKey buckets row positions by the dedup key the sink
// lookup would use. Rows with no natural key value get a group of their
// own; groups keep first-appearance order.
func groupByNaturalKey(schema importschema.Schema, records []sink.Record) [][]int {
	groups := make([][]int, 0, len(records))
	index := make(map[string]int, len(records))
	for pos, record := range records {
		var key string
		for _, fieldID := range schema.NaturalKey {
			if !record.IsEmpty(fieldID) {
				key = fieldID + "=" + strings.ToLower(record.Text(fieldID))
				break
			}
		}
		if key == "" {
			groups = append(groups, []int{pos})
			continue
		}
		if i, ok := index[key]; ok {
			groups[i] = append(groups[i], pos)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, []int{pos})
	}
	return groups
}

func (p *ImportProcessor) processRow(
	ctx context.Context,
	validator *importValidator,
	record sink.Record,
	pos int,
) rowOutcome {
	// Row indexes in the error list are 1-based over data rows, matching
	// what users see in their spreadsheet minus the header.
	rowIndex := pos + 1

	decision, err := validator.Decide(ctx, record)
	if err != nil {
		return rowOutcome{
			pos:        pos,
			writeFault: true,
			rowErr: &importjob.RowError{
				RowIndex: rowIndex,
				Message:  fmt.Sprintf("dedup lookup failed: %v", err),
			},
		}
	}

	switch decision.Verdict {
	case sink.VerdictReject:
		return rowOutcome{
			pos: pos,
			rowErr: &importjob.RowError{
				RowIndex: rowIndex,
				Field:    decision.Field,
				Message:  decision.Message,
			},
		}
	case sink.VerdictSkip:
		return rowOutcome{pos: pos, skipped: true}
	case sink.VerdictUpdate:
		if err := p.write(ctx, func(writeCtx context.Context) error {
			return p.records.Update(writeCtx, validator.schema, decision.MatchID, record)
		}); err != nil {
			return rowOutcome{
				pos:        pos,
				writeFault: true,
				rowErr: &importjob.RowError{
					RowIndex: rowIndex,
					Message:  fmt.Sprintf("failed to update existing record: %v", err),
				},
			}
		}
		return rowOutcome{pos: pos, successful: true}
	default: // insert
		if err := p.write(ctx, func(writeCtx context.Context) error {
			return p.records.Insert(writeCtx, validator.schema, record)
		}); err != nil {
			return rowOutcome{
				pos:        pos,
				writeFault: true,
				rowErr: &importjob.RowError{
					RowIndex: rowIndex,
					Message:  fmt.Sprintf("failed to insert record: %v", err),
				},
			}
		}
		return rowOutcome{pos: pos, successful: true}
	}
}

// write runs one persistence call under the per-row timeout. A timeout is
// a row failure, not a pipeline failure; escalation only happens when
// failures are sustained.
func (p *ImportProcessor) write(ctx context.Context, fn func(context.Context) error) error {
	writeCtx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()
	return fn(writeCtx)
}

// buildRecord applies the column mapping to a raw row. Unmapped headers
// are ignored; mapped headers with empty cells leave the field absent.
func buildRecord(pairs []mapping.Pair, row tabular.Row) sink.Record {
	record := make(sink.Record, len(pairs))
	for _, pair := range pairs {
		value, ok := row[pair.Header]
		if !ok || value.IsEmpty() {
			continue
		}
		record[pair.FieldID] = value
	}
	return record
}

func (p *ImportProcessor) finish(ctx context.Context, job importjob.ImportJob, status importjob.Status, counters importjob.Counters) error {
	if err := p.jobs.Finish(ctx, job.ID(), status); err != nil {
		return err
	}
	p.publisher.Publish(importjob.NewFinishedEvent(job, status, counters))
	return nil
}

func (p *ImportProcessor) fail(ctx context.Context, job importjob.ImportJob, counters importjob.Counters, cause error) error {
	composables.UseLogger(ctx).WithError(cause).WithField("job_id", job.ID().String()).Error("import job failed")
	if err := p.jobs.Finish(ctx, job.ID(), importjob.StatusFailed); err != nil {
		composables.UseLogger(ctx).WithError(err).Error("failed to mark import job as failed")
	}
	p.publisher.Publish(importjob.NewFinishedEvent(job, importjob.StatusFailed, counters))
	return cause
}
