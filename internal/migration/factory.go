package migration

import (
	"fmt"

	appconfig "github.com/BaSui01/flowrun/config"
)

// DefaultTableName 版本表名
const DefaultTableName = "flowrun_schema_migrations"

// ConfigFromDatabaseConfig 将全局数据库配置转换为迁移配置
func ConfigFromDatabaseConfig(dbCfg appconfig.DatabaseConfig) (*Config, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	var dbURL string
	switch dbType {
	case DatabaseTypePostgres:
		dbURL = BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, dbCfg.SSLMode)
	case DatabaseTypeMySQL:
		dbURL = BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, "")
	case DatabaseTypeSQLite:
		// sqlite 的 Name 为文件路径
		dbURL = BuildDatabaseURL(dbType, "", 0, dbCfg.Name, "", "", "")
	}

	return &Config{
		DatabaseType: dbType,
		DatabaseURL:  dbURL,
		TableName:    DefaultTableName,
	}, nil
}

// NewMigratorFromConfig creates a migrator for the database section of cfg.
func NewMigratorFromConfig(cfg *appconfig.Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	migCfg, err := ConfigFromDatabaseConfig(cfg.Database)
	if err != nil {
		return nil, err
	}
	return NewMigrator(migCfg)
}

// NewMigratorFromURL creates a migrator from an explicit driver and URL,
// bypassing the config file.
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}

	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  dbURL,
		TableName:    DefaultTableName,
	})
}
