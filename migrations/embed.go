// Package migrations embeds the goose SQL migrations of the two databases:
// the server document store and the client state file.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed server/*.sql
var serverFiles embed.FS

//go:embed client/*.sql
var clientFiles embed.FS

var (
	// ServerFS holds the reference backend schema.
	ServerFS = sub(serverFiles, "server")
	// ClientFS holds the local state schema.
	ClientFS = sub(clientFiles, "client")
)

func sub(fsys embed.FS, dir string) fs.FS {
	s, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(fmt.Sprintf("migrations: %v", err))
	}
	return s
}

// Up applies every pending migration in fsys to db.
func Up(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Version returns the schema version of db for fsys.
func Version(ctx context.Context, db *sql.DB, fsys fs.FS) (int64, error) {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return 0, fmt.Errorf("create migration provider: %w", err)
	}
	return provider.GetDBVersion(ctx)
}
