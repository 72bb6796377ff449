package sqlite

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/sparkq-dev/sparkq/internal/storage"
	"github.com/sparkq-dev/sparkq/internal/types"
)

// taskCursor is the decoded form of an opaque pagination token. K is the
// sort key value of the last item on the previous page (as SQLite text,
// empty for NULL), ID the tie-breaking task id, F a fingerprint binding
// the cursor to the sort and filter set it was minted under.
type taskCursor struct {
	K  string `json:"k"`
	ID string `json:"id"`
	F  string `json:"f"`
}

// cursorFingerprint hashes the sort and filter parameters so a token
// replayed against a different listing is rejected instead of silently
// returning the wrong window.
func cursorFingerprint(req storage.TaskListRequest) string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		req.SortBy, req.SortDir, req.QueueID, req.Status, req.TaskClass, req.ToolName,
	}, "\x00")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func encodeCursor(c taskCursor) string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(token string, req storage.TaskListRequest) (taskCursor, error) {
	var c taskCursor
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return c, types.Validationf("bad_cursor", "cursor is not a valid token")
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, types.Validationf("bad_cursor", "cursor is not a valid token")
	}
	if c.ID == "" || c.F != cursorFingerprint(req) {
		return c, types.Validationf("bad_cursor", "cursor does not match this query's sort and filters")
	}
	return c, nil
}
