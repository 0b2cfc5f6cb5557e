package db

import (
	"context"
	"database/sql"
	"fmt"
)

const credentialColumns = `id, user_id, name, api_key_encrypted, api_secret_encrypted,
       api_key_masked, key_version, is_testnet, is_active, created_at, updated_at`

func scanCredential(row interface{ Scan(...any) error }) (*CredentialConfig, error) {
	var c CredentialConfig
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.APIKeyEncrypted, &c.APISecretEncrypted,
		&c.APIKeyMasked, &c.KeyVersion, &c.IsTestnet, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCredential inserts a credential config row.
func (d *Database) CreateCredential(ctx context.Context, c CredentialConfig) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO credential_configs (
			id, user_id, name, api_key_encrypted, api_secret_encrypted,
			api_key_masked, key_version, is_testnet, is_active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.UserID, c.Name, c.APIKeyEncrypted, c.APISecretEncrypted,
		c.APIKeyMasked, c.KeyVersion, c.IsTestnet, c.IsActive)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// GetCredential returns a credential config by id, verifying ownership.
func (d *Database) GetCredential(ctx context.Context, userID, id string) (*CredentialConfig, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+credentialColumns+` FROM credential_configs
		WHERE id = ? AND user_id = ?
	`, id, userID)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return c, nil
}

// ListCredentialsByUser returns all of a user's credential configs,
// newest first.
func (d *Database) ListCredentialsByUser(ctx context.Context, userID string) ([]CredentialConfig, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+credentialColumns+` FROM credential_configs
		WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var configs []CredentialConfig
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		configs = append(configs, *c)
	}
	return configs, rows.Err()
}

// FirstActiveCredential returns the user's oldest active credential
// config, used when a request names no credential explicitly.
func (d *Database) FirstActiveCredential(ctx context.Context, userID string) (*CredentialConfig, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+credentialColumns+` FROM credential_configs
		WHERE user_id = ? AND is_active = 1
		ORDER BY created_at ASC LIMIT 1
	`, userID)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query active credential: %w", err)
	}
	return c, nil
}

// ListActiveCredentials returns every active credential config across all
// users. The user-stream supervisor uses this to know which streams to run.
func (d *Database) ListActiveCredentials(ctx context.Context) ([]CredentialConfig, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+credentialColumns+` FROM credential_configs
		WHERE is_active = 1
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query active credentials: %w", err)
	}
	defer rows.Close()

	var configs []CredentialConfig
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		configs = append(configs, *c)
	}
	return configs, rows.Err()
}

// CredentialNameTaken reports whether the user already has another config
// with this display name.
func (d *Database) CredentialNameTaken(ctx context.Context, userID, name, excludeID string) (bool, error) {
	if userID == "" {
		return false, ErrUserIDRequired
	}
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credential_configs
		WHERE user_id = ? AND name = ? AND id != ?
	`, userID, name, excludeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check credential name: %w", err)
	}
	return n > 0, nil
}

// UpdateCredential rewrites the mutable fields of a credential config,
// verifying ownership. Returns ErrNotFound when the row is missing or
// owned by someone else.
func (d *Database) UpdateCredential(ctx context.Context, c CredentialConfig) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}
	res, err := d.DB.ExecContext(ctx, `
		UPDATE credential_configs
		SET name = ?, api_key_encrypted = ?, api_secret_encrypted = ?,
		    api_key_masked = ?, key_version = ?, is_testnet = ?, is_active = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, c.Name, c.APIKeyEncrypted, c.APISecretEncrypted, c.APIKeyMasked,
		c.KeyVersion, c.IsTestnet, c.IsActive, c.ID, c.UserID)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCredential removes a credential config, verifying ownership.
func (d *Database) DeleteCredential(ctx context.Context, userID, id string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	res, err := d.DB.ExecContext(ctx, `
		DELETE FROM credential_configs WHERE id = ? AND user_id = ?
	`, id, userID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveCredentials counts a user's active credential configs.
func (d *Database) CountActiveCredentials(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credential_configs WHERE user_id = ? AND is_active = 1
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return n, nil
}
