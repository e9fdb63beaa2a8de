package registry

import (
	"time"
)

// Download is one finished download session.
type Download struct {
	ID         int64     `json:"id"`
	SessionID  uint64    `json:"session_id"`
	URL        string    `json:"url"`
	Path       string    `json:"path"`
	Bytes      int64     `json:"bytes"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// RecordDownload appends a finished session to the history.
func (d *DB) RecordDownload(dl *Download) error {
	res, err := d.db.Exec(`
		INSERT INTO downloads (session_id, url, path, bytes, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, int64(dl.SessionID), dl.URL, dl.Path, dl.Bytes, dl.Status, dl.Error,
		dl.StartedAt.Format(time.RFC3339Nano), dl.FinishedAt.Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	dl.ID, _ = res.LastInsertId()
	return nil
}

// ListDownloads returns the most recent sessions first, at most limit of
// them. limit <= 0 returns all.
func (d *DB) ListDownloads(limit int) ([]*Download, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.db.Query(`
		SELECT id, session_id, url, path, bytes, status, error, started_at, finished_at
		FROM downloads ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Download
	for rows.Next() {
		var dl Download
		var session int64
		var started, finished string
		if err := rows.Scan(&dl.ID, &session, &dl.URL, &dl.Path, &dl.Bytes, &dl.Status, &dl.Error, &started, &finished); err != nil {
			return nil, err
		}
		dl.SessionID = uint64(session)
		dl.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		dl.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// PruneDownloads keeps only the newest keep sessions.
func (d *DB) PruneDownloads(keep int) (int64, error) {
	res, err := d.db.Exec(`
		DELETE FROM downloads WHERE id NOT IN (
			SELECT id FROM downloads ORDER BY id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
