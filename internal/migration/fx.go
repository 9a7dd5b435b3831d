package migration

import (
	"github.com/smallbiznis/tollway/internal/config"
	fetchstatusdomain "github.com/smallbiznis/tollway/internal/fetchstatus/domain"
	usageeventdomain "github.com/smallbiznis/tollway/internal/usageevent/domain"
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

		// SQLite and MySQL deployments rely on the model definitions directly.
		return conn.AutoMigrate(
			&usageeventdomain.UsageEvent{},
			&usageeventdomain.ProviderMetrics{},
			&fetchstatusdomain.FetchJobStatus{},
		)
	}),
)
