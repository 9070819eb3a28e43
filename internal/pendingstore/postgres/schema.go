package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS pending_pegins (
	address TEXT NOT NULL,
	pegin_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at_ms BIGINT NOT NULL,

	PRIMARY KEY (address, pegin_id),

	CONSTRAINT address_nonempty CHECK (length(address) > 0),
	CONSTRAINT pegin_id_nonempty CHECK (length(pegin_id) > 0),
	CONSTRAINT status_known CHECK (status IN ('pending', 'payout_signed', 'confirming', 'confirmed')),
	CONSTRAINT created_at_nonneg CHECK (created_at_ms >= 0)
);

CREATE INDEX IF NOT EXISTS pending_pegins_created_idx ON pending_pegins (created_at_ms);
`
