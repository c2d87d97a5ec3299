package database

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Config contains database connection options for the persistent store.
type Config struct {
	Driver   string            // sqlite (default), postgres, or mysql
	Path     string            // SQLite database path when Driver == sqlite
	DSN      string            // Optional DSN override for any driver
	Host     string            // Server host for postgres/mysql
	Port     int               // Server port for postgres/mysql
	User     string            // Server user for postgres/mysql
	Password string            // Server password for postgres/mysql
	Name     string            // Database name for postgres/mysql
	Options  map[string]string // Extra DSN options
}

// Open initialises a gorm.DB using the provided configuration.
func Open(cfg Config) (*gorm.DB, error) {
	driver := strings.ToLower(cfg.Driver)
	if driver == "" {
		driver = "sqlite"
	}

	switch driver {
	case "sqlite":
		return openSQLite(cfg)
	case "postgres":
		return openPostgres(cfg)
	case "mysql":
		return openMySQL(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
