package sqlite

import "net/url"

// SchemaVersion is the goose version the store expects after migrating.
const SchemaVersion = 1

// entryColumns lists the entries table columns in scan order.
const entryColumns = `id, calendar_id, title, start_date, end_date, start_time, end_time,
	all_day, multi_day, is_task, timed, completed, description, location, color,
	sync_status, pending_operation, local_updated_at, last_sync_error`

// operationColumns lists the pending_operations table columns in scan order.
const operationColumns = `id, entry_id, calendar_id, operation, payload, created_at,
	retry_count, last_error, next_attempt_at`

// PragmaStatements returns pragma statements applied to every connection
func PragmaStatements() []string {
	return []string{
		"foreign_keys(1)",
		"journal_mode(WAL)",   // Write-Ahead Logging for better concurrency
		"synchronous(NORMAL)", // Balance between safety and performance
		"busy_timeout(5000)",
	}
}

// dsn builds the modernc.org/sqlite connection string for path. Write
// transactions take the lock up front so two writers never deadlock on a
// read-to-write upgrade.
func dsn(path string) string {
	q := url.Values{}
	for _, p := range PragmaStatements() {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}
