package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS operation_leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	renewed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS operation_leases_owner_idx ON operation_leases (owner);
CREATE INDEX IF NOT EXISTS operation_leases_expires_at_idx ON operation_leases (expires_at);
`
