package sqlstore

import (
	"errors"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"postal/internal/constants"
)

// dialect covers what differs between the supported databases.
type dialect struct {
	name       string
	driverName string
	// lockRows is appended to claim selects so concurrent nodes skip rows
	// another transaction is already claiming.
	lockRows    string
	isDuplicate func(err error) bool
}

var (
	postgresDialect = dialect{
		name:       constants.StorePostgres,
		driverName: "postgres",
		lockRows:   " FOR UPDATE SKIP LOCKED",
		isDuplicate: func(err error) bool {
			var pqErr *pq.Error
			return errors.As(err, &pqErr) && pqErr.Code == "23505"
		},
	}

	// SQLite serializes writers, so the claim update alone is atomic.
	sqliteDialect = dialect{
		name:       constants.StoreSQLite,
		driverName: "sqlite3",
		isDuplicate: func(err error) bool {
			var liteErr sqlite3.Error
			if !errors.As(err, &liteErr) {
				return false
			}
			return liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
				liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
		},
	}
)
