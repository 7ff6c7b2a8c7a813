// Package sqlrow maps userbot_sessions rows for the SQL-backed stores.
package sqlrow

import (
	"encoding/json"
	"fmt"

	"github.com/m3rciful/userbots/userbot/session"
)

// Columns is the select list matching Row.
const Columns = `user_id, api_id, api_secret, session_token, desired_tasks`

// Row is one userbot_sessions row. DesiredTasks holds the JSON object of
// task flags; postgres stores it as JSONB and sqlite as TEXT.
type Row struct {
	UserID       int64  `db:"user_id"`
	APIID        int    `db:"api_id"`
	APISecret    string `db:"api_secret"`
	SessionToken string `db:"session_token"`
	DesiredTasks []byte `db:"desired_tasks"`
}

// Record decodes r. An empty task column yields an empty, non-nil map.
func (r Row) Record() (session.Record, error) {
	rec := session.Record{
		UserID:       r.UserID,
		APIID:        r.APIID,
		APISecret:    r.APISecret,
		SessionToken: r.SessionToken,
		DesiredTasks: map[string]bool{},
	}
	if len(r.DesiredTasks) > 0 {
		if err := json.Unmarshal(r.DesiredTasks, &rec.DesiredTasks); err != nil {
			return session.Record{}, fmt.Errorf("decode desired_tasks for %d: %w", r.UserID, err)
		}
	}
	return rec, nil
}

// Records decodes rows keyed by user.
func Records(rows []Row) (map[int64]session.Record, error) {
	out := make(map[int64]session.Record, len(rows))
	for _, r := range rows {
		rec, err := r.Record()
		if err != nil {
			return nil, err
		}
		out[rec.UserID] = rec
	}
	return out, nil
}

// EncodeTasks renders the task flags of rec for the desired_tasks column.
func EncodeTasks(rec session.Record) (string, error) {
	b, err := json.Marshal(rec.Clone().DesiredTasks)
	if err != nil {
		return "", fmt.Errorf("encode desired_tasks: %w", err)
	}
	return string(b), nil
}
