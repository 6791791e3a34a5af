// Package sqlstore is a durable cache tier on database/sql. SQLite (via
// go-sqlite3) and PostgreSQL (via lib/pq) share one table layout:
//
//	reqflow_cache(key TEXT PRIMARY KEY, value, expire_at, updated_at)
//
// expire_at is unix milliseconds; zero never expires. Expired rows are
// ignored on read and removed by DeleteExpired.
package sqlstore
