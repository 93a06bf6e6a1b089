package sqllog

// SQLite is the dialect used by the sqlite transport.
var SQLite = Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS brokerrpc_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT NOT NULL,
			uuid TEXT NOT NULL,
			payload BLOB NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_brokerrpc_messages_topic_seq ON brokerrpc_messages(topic, seq)`,
		`CREATE TABLE IF NOT EXISTS brokerrpc_positions (
			topic TEXT NOT NULL,
			consumer_group TEXT NOT NULL,
			seq INTEGER NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (topic, consumer_group)
		)`,
	},
	Insert: `INSERT INTO brokerrpc_messages (topic, uuid, payload, metadata) VALUES (?, ?, ?, ?)`,
	Select: `SELECT seq, uuid, payload, metadata FROM brokerrpc_messages
		WHERE topic = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
	Head:         `SELECT COALESCE(MAX(seq), 0) FROM brokerrpc_messages WHERE topic = ?`,
	LoadPosition: `SELECT seq FROM brokerrpc_positions WHERE topic = ? AND consumer_group = ?`,
	StorePosition: `INSERT INTO brokerrpc_positions (topic, consumer_group, seq) VALUES (?, ?, ?)
		ON CONFLICT (topic, consumer_group) DO UPDATE SET seq = excluded.seq, updated_at = CURRENT_TIMESTAMP`,
}

// Postgres is the dialect used by the postgres transport.
var Postgres = Dialect{
	Name: "postgres",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS brokerrpc_messages (
			seq BIGSERIAL PRIMARY KEY,
			topic TEXT NOT NULL,
			uuid TEXT NOT NULL,
			payload BYTEA NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_brokerrpc_messages_topic_seq ON brokerrpc_messages(topic, seq)`,
		`CREATE TABLE IF NOT EXISTS brokerrpc_positions (
			topic TEXT NOT NULL,
			consumer_group TEXT NOT NULL,
			seq BIGINT NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (topic, consumer_group)
		)`,
	},
	Insert: `INSERT INTO brokerrpc_messages (topic, uuid, payload, metadata) VALUES ($1, $2, $3, $4)`,
	Select: `SELECT seq, uuid, payload, metadata FROM brokerrpc_messages
		WHERE topic = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
	Head:         `SELECT COALESCE(MAX(seq), 0) FROM brokerrpc_messages WHERE topic = $1`,
	LoadPosition: `SELECT seq FROM brokerrpc_positions WHERE topic = $1 AND consumer_group = $2`,
	StorePosition: `INSERT INTO brokerrpc_positions (topic, consumer_group, seq) VALUES ($1, $2, $3)
		ON CONFLICT (topic, consumer_group) DO UPDATE SET seq = EXCLUDED.seq, updated_at = NOW()`,
}
