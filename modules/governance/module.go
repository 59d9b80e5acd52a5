package governance

import (
	"embed"

	"github.com/svcreg/governance/modules/governance/infrastructure/persistence"
	"github.com/svcreg/governance/modules/governance/presentation/controllers"
	"github.com/svcreg/governance/modules/governance/services"
	"github.com/svcreg/governance/pkg/application"
	"github.com/svcreg/governance/pkg/configuration"
)

//go:embed infrastructure/persistence/schema/governance-schema.sql
var migrationFiles embed.FS

func NewModule() application.Module {
	return &Module{}
}

type Module struct{}

func (m *Module) Register(app application.Application) error {
	app.Migrations().RegisterSchema(&migrationFiles)

	conf := configuration.Use()
	identity := persistence.NewIdentityProjectionRepository()
	directory := persistence.NewServiceDirectoryRepository()

	app.RegisterServices(
		services.NewWorkflowService(services.WorkflowServiceOptions{
			Requests:             persistence.NewApprovalRequestRepository(),
			Decisions:            persistence.NewApprovalDecisionRepository(),
			Identity:             identity,
			Directory:            directory,
			Bus:                  app.EventPublisher(),
			Logger:               conf.Logger(),
			CASRetries:           conf.Governance.CASRetries,
			SysAdminGateDisabled: !conf.Governance.RequireSysAdminGate,
		}),
		services.NewShareService(
			persistence.NewServiceShareRepository(),
			services.GrantMode(conf.Governance.ShareGrantMode),
			conf.Logger(),
		),
	)
	app.RegisterControllers(controllers.NewGovernanceAPIController(app, identity))
	return nil
}

func (m *Module) Name() string {
	return "governance"
}
