package db

import migrate "github.com/rubenv/sql-migrate"

// All timestamps are stored as unix milliseconds.

const CREATE_SUBSCRIPTIONS_TABLE = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id TEXT PRIMARY KEY,
	callback TEXT NOT NULL,
	topic TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('new', 'validated', 'verified', 'expired')) DEFAULT 'new',
	lease_seconds INTEGER NOT NULL,
	secret TEXT NOT NULL DEFAULT '',
	pending_request TEXT CHECK(pending_request IN ('subscribe', 'unsubscribe')),
	pending_lease_seconds INTEGER,
	pending_secret TEXT,
	created_at INTEGER NOT NULL,
	expired_at INTEGER,
	UNIQUE(callback, topic)
);
`

const CREATE_SUBSCRIPTIONS_TOPIC_INDEX = `CREATE INDEX IF NOT EXISTS subscriptions_topic_status ON subscriptions (topic, status)`

const CREATE_CONTENTS_TABLE = `
CREATE TABLE IF NOT EXISTS contents (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('new', 'fetched', 'delivered')) DEFAULT 'new',
	fetched_at INTEGER,
	links TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT '',
	content BLOB,
	created_at INTEGER NOT NULL
);
`

// At most one unfetched content per URL.
const CREATE_CONTENTS_NEW_URL_INDEX = `CREATE UNIQUE INDEX IF NOT EXISTS contents_new_url ON contents (url) WHERE status = 'new'`

const CREATE_DELIVERIES_TABLE = `
CREATE TABLE IF NOT EXISTS deliveries (
	id TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL,
	content_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	try_at INTEGER NOT NULL,
	tries_count INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(subscription_id) REFERENCES subscriptions(id),
	FOREIGN KEY(content_id) REFERENCES contents(id)
);
`

const CREATE_DELIVERIES_CONTENT_INDEX = `CREATE INDEX IF NOT EXISTS deliveries_content ON deliveries (content_id)`

const CREATE_DELIVERIES_SUBSCRIPTION_INDEX = `CREATE INDEX IF NOT EXISTS deliveries_subscription ON deliveries (subscription_id)`

const CREATE_JOBS_TABLE = `
CREATE TABLE IF NOT EXISTS jobs (
	name TEXT PRIMARY KEY,
	next_run_at INTEGER NOT NULL,
	last_run_at INTEGER,
	locked_until INTEGER
);
`

// Migrations is the schema history of the hub database.
func Migrations() *migrate.MemoryMigrationSource {
	return &migrate.MemoryMigrationSource{
		Migrations: []*migrate.Migration{
			{
				Id: "hub_1",
				Up: []string{
					CREATE_SUBSCRIPTIONS_TABLE,
					CREATE_SUBSCRIPTIONS_TOPIC_INDEX,
					CREATE_CONTENTS_TABLE,
					CREATE_CONTENTS_NEW_URL_INDEX,
					CREATE_DELIVERIES_TABLE,
					CREATE_DELIVERIES_CONTENT_INDEX,
					CREATE_DELIVERIES_SUBSCRIPTION_INDEX,
					CREATE_JOBS_TABLE,
				},
				Down: []string{
					"DROP TABLE IF EXISTS deliveries",
					"DROP TABLE IF EXISTS contents",
					"DROP TABLE IF EXISTS subscriptions",
					"DROP TABLE IF EXISTS jobs",
				},
			},
		},
	}
}
