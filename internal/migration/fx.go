package migration

import (
	"github.com/smallbiznis/hotelier/internal/config"
	"github.com/smallbiznis/hotelier/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Apply),
)

// Apply brings the schema up to date at startup unless DATABASE_AUTO_MIGRATE
// is off.
func Apply(conn *gorm.DB, cfg config.Config, dbCfg db.Config, log *zap.Logger) error {
	if !cfg.DBAutoMigrate {
		log.Info("schema migrations disabled")
		return nil
	}

	if !dbCfg.IsPostgres() {
		log.Info("applying schema from models", zap.String("dialect", dbCfg.Type))
		return AutoMigrate(conn)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	if err := RunMigrations(sqlDB); err != nil {
		return err
	}
	log.Info("schema migrations applied")
	return nil
}
