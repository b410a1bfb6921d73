package escrow

import (
	"testing"

	"github.com/taskilo/settlement/internal/testutil"
)

func TestPostgresStore_Contract(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	testStoreContract(t, NewPostgresStore(db))
}
