package migration

import (
	"github.com/stfc-cloud/carbonledger/internal/config"
	dimdomain "github.com/stfc-cloud/carbonledger/internal/dimension/domain"
	factdomain "github.com/stfc-cloud/carbonledger/internal/usagefact/domain"
	wsdomain "github.com/stfc-cloud/carbonledger/internal/workspace/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// sqlite and mysql deployments lean on the model tags
		return conn.AutoMigrate(
			&factdomain.UsageFactRow{},
			&wsdomain.ActiveWorkspaceRecord{},
			&dimdomain.Entity{},
		)
	}),
)
