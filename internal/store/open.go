package store

import (
	"fmt"
	"log/slog"
)

// Open returns the gateway implementation named by driver. path is the
// SQLite file for DriverSQLite and the data directory for DriverBadger.
func Open(driver, path string, log *slog.Logger) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLite(path, log)
	case DriverBadger:
		return NewBadger(path, log)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
