package modules

import (
	"github.com/relatecrm/relate-sdk/modules/crm"
	"github.com/relatecrm/relate-sdk/pkg/application"
)

var BuiltInModules = []application.Module{
	crm.NewModule(),
}

func Load(app application.Application, externalModules ...application.Module) error {
	return application.Load(app, externalModules...)
}
