package repository

import (
	"context"
	"fmt"

	"github.com/SoftwareHeritage/swh-vault/common/db"
)

// Schema for the bundle registry. Applied through the bootstrap DB init
// hook; all statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS vault_bundle (
	id              BIGSERIAL PRIMARY KEY,
	kind            TEXT NOT NULL,
	format          TEXT NOT NULL,
	object_id       BYTEA NOT NULL,
	status          TEXT NOT NULL DEFAULT 'new',
	external_job_id UUID,
	sticky          BOOLEAN NOT NULL DEFAULT false,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	done_at         TIMESTAMPTZ,
	last_access_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	progress_msg    TEXT NOT NULL DEFAULT '',
	UNIQUE (kind, format, object_id)
);

CREATE INDEX IF NOT EXISTS vault_bundle_expiry_idx
	ON vault_bundle (last_access_at)
	WHERE NOT sticky;

CREATE TABLE IF NOT EXISTS vault_notif_email (
	id        BIGSERIAL PRIMARY KEY,
	bundle_id BIGINT NOT NULL REFERENCES vault_bundle (id) ON DELETE CASCADE,
	email     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS vault_notif_email_bundle_idx
	ON vault_notif_email (bundle_id);
`

// InitSchema creates the registry tables if they do not exist
func InitSchema(database *db.DB) error {
	if _, err := database.Exec(context.Background(), schema); err != nil {
		return fmt.Errorf("failed to apply vault schema: %w", err)
	}
	return nil
}
