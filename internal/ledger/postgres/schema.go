package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS stake_pools (
	chain_id BIGINT NOT NULL,
	address BYTEA NOT NULL,
	creator BYTEA NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	total_staked NUMERIC(78,0) NOT NULL DEFAULT 0,
	participants BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (chain_id, address),
	CONSTRAINT address_len CHECK (octet_length(address) = 20),
	CONSTRAINT creator_len CHECK (octet_length(creator) = 20),
	CONSTRAINT total_staked_nonneg CHECK (total_staked >= 0),
	CONSTRAINT participants_nonneg CHECK (participants >= 0)
);

CREATE TABLE IF NOT EXISTS user_stakes (
	user_address BYTEA NOT NULL,
	chain_id BIGINT NOT NULL,
	pool_address BYTEA NOT NULL,
	confirmed_amount NUMERIC(78,0) NOT NULL DEFAULT 0,
	last_tx_hash BYTEA,
	last_claim_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (user_address, chain_id, pool_address),
	CONSTRAINT user_address_len CHECK (octet_length(user_address) = 20),
	CONSTRAINT pool_address_len CHECK (octet_length(pool_address) = 20),
	CONSTRAINT confirmed_amount_nonneg CHECK (confirmed_amount >= 0),
	CONSTRAINT last_tx_hash_len CHECK (last_tx_hash IS NULL OR octet_length(last_tx_hash) = 32)
);

CREATE TABLE IF NOT EXISTS processed_transactions (
	idempotency_key BYTEA PRIMARY KEY,
	tx_hash BYTEA NOT NULL,
	kind SMALLINT NOT NULL,
	user_address BYTEA NOT NULL,
	chain_id BIGINT NOT NULL,
	pool_address BYTEA NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT idempotency_key_len CHECK (octet_length(idempotency_key) = 32),
	CONSTRAINT tx_hash_len CHECK (octet_length(tx_hash) = 32),
	CONSTRAINT kind_range CHECK (kind >= 1 AND kind <= 3)
);

CREATE INDEX IF NOT EXISTS user_stakes_user_idx ON user_stakes (user_address);
CREATE INDEX IF NOT EXISTS processed_transactions_tx_hash_idx ON processed_transactions (tx_hash);
`
