package database

import (
	"embed"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationsFS возвращает встроенные файлы миграций.
func MigrationsFS() embed.FS {
	return migrationsFS
}
