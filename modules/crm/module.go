package crm

import (
	"embed"
	"os"

	gerrors "github.com/go-faster/errors"

	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/mapping"
	"github.com/relatecrm/relate-sdk/modules/crm/infrastructure/persistence"
	"github.com/relatecrm/relate-sdk/modules/crm/presentation/controllers"
	"github.com/relatecrm/relate-sdk/modules/crm/services"
	"github.com/relatecrm/relate-sdk/pkg/application"
	"github.com/relatecrm/relate-sdk/pkg/configuration"
)

//go:embed infrastructure/persistence/schema/crm-schema.sql
var migrationFiles embed.FS

func NewModule() application.Module {
	return &Module{}
}

type Module struct {
}

func (m *Module) Register(app application.Application) error {
	conf := configuration.Use()

	dictionary := mapping.DefaultDictionary()
	if conf.ImportSynonymsPath != "" {
		f, err := os.Open(conf.ImportSynonymsPath)
		if err != nil {
			return gerrors.Wrap(err, "failed to open synonym dictionary")
		}
		defer f.Close()
		dictionary, err = mapping.LoadDictionary(f)
		if err != nil {
			return err
		}
	}

	jobs := persistence.NewImportJobRepository(conf.Import.MaxErrors)
	records := persistence.NewPgRecordSink()
	processor := services.NewImportProcessor(jobs, records, app.EventPublisher(), services.ProcessorConfig{
		BatchSize:                 conf.Import.BatchSize,
		Workers:                   conf.Import.Workers,
		WriteTimeout:              conf.Import.WriteTimeout,
		MaxConsecutiveWriteFaults: conf.Import.MaxConsecutiveWriteFaults,
	})

	app.RegisterSchema(&migrationFiles)
	app.RegisterServices(
		services.NewImportService(
			jobs,
			records,
			processor,
			app.EventPublisher(),
			app.Pool(),
			app.Logger(),
			dictionary,
		),
	)
	app.RegisterControllers(
		controllers.NewImportAPIController(app),
	)
	return nil
}

func (m *Module) Name() string {
	return "crm"
}
