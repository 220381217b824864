//go:build !cgo

package history

import (
	"database/sql"
	"errors"

	sqlite "modernc.org/sqlite"
)

const driverName = "libsql"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

func checkDSN(dsn string) error {
	if isRemote(dsn) {
		return errors.New("libsql URL requires cgo-enabled build")
	}
	return nil
}
