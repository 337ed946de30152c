//go:build cgo

package vector

import (
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

// Real sqlite-vec naming. The extension itself is registered in init_vec.go
// under the sqlite_vec tag; without it the vec0 probe fails and search falls
// back to the L3 scan.
const vecDistanceFn = "vec_distance_cosine"

// vecTableDDL declares the typed embedding column sqlite-vec requires.
func vecTableDDL(dim int) string {
	return fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_fragments USING vec0(embedding float[%d], fragment_id TEXT, project_key TEXT)`, dim)
}
