package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Drivers accepted by Open.
const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

// UsersFile is the FileStore file name inside the data directory.
const UsersFile = "users.json"

// Open returns the store selected by driver. The file driver uses
// <dataDir>/users.json; the postgres driver connects to dsn.
func Open(ctx context.Context, driver, dsn, dataDir string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFile:
		return NewFileStore(filepath.Join(dataDir, UsersFile)), nil
	case DriverPostgres:
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
