package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"quipucords/internal/models"
)

// CreateCredential stores a credential; auth material must already be sealed
func (ps *PostgresStorage) CreateCredential(ctx context.Context, cred *models.Credential) error {
	auth, become, err := marshalCredentialSecrets(cred)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO credentials (name, cred_type, username, auth, become)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	err = ps.db.QueryRowContext(ctx, query, cred.Name, cred.Type, cred.Username, auth, become).
		Scan(&cred.ID, &cred.CreatedAt, &cred.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: credential %q already exists", ErrConflict, cred.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// UpdateCredential rewrites a credential. Changing its type is rejected.
func (ps *PostgresStorage) UpdateCredential(ctx context.Context, cred *models.Credential) error {
	auth, become, err := marshalCredentialSecrets(cred)
	if err != nil {
		return err
	}

	return ps.withTx(ctx, func(tx *sql.Tx) error {
		var current models.SourceType
		err := tx.QueryRowContext(ctx, `SELECT cred_type FROM credentials WHERE id = $1 FOR UPDATE`, cred.ID).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock credential: %w", err)
		}
		if current != cred.Type {
			return fmt.Errorf("%w: credential type is immutable (%s)", ErrConflict, current)
		}

		err = tx.QueryRowContext(ctx, `
			UPDATE credentials SET name = $2, username = $3, auth = $4, become = $5, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at
		`, cred.ID, cred.Name, cred.Username, auth, become).Scan(&cred.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: credential %q already exists", ErrConflict, cred.Name)
		}
		if err != nil {
			return fmt.Errorf("failed to update credential: %w", err)
		}
		return nil
	})
}

// GetCredential returns a credential with its sealed auth material
func (ps *PostgresStorage) GetCredential(ctx context.Context, id int64) (*models.Credential, error) {
	row := ps.db.QueryRowContext(ctx, `
		SELECT id, name, cred_type, username, auth, become, created_at, updated_at
		FROM credentials WHERE id = $1
	`, id)
	return scanCredential(row)
}

// ListCredentials returns all credentials ordered by id
func (ps *PostgresStorage) ListCredentials(ctx context.Context) ([]*models.Credential, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT id, name, cred_type, username, auth, become, created_at, updated_at
		FROM credentials ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	creds := []*models.Credential{}
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

func marshalCredentialSecrets(cred *models.Credential) (string, sql.NullString, error) {
	auth, err := json.Marshal(cred.Auth)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("failed to encode auth material: %w", err)
	}
	var become sql.NullString
	if cred.Become != nil {
		b, err := json.Marshal(cred.Become)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("failed to encode become settings: %w", err)
		}
		become = sql.NullString{String: string(b), Valid: true}
	}
	return string(auth), become, nil
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	cred := &models.Credential{}
	var auth []byte
	var become []byte
	err := row.Scan(&cred.ID, &cred.Name, &cred.Type, &cred.Username, &auth, &become, &cred.CreatedAt, &cred.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan credential: %w", err)
	}
	if err := json.Unmarshal(auth, &cred.Auth); err != nil {
		return nil, fmt.Errorf("failed to decode auth material: %w", err)
	}
	if len(become) > 0 {
		cred.Become = &models.Become{}
		if err := json.Unmarshal(become, cred.Become); err != nil {
			return nil, fmt.Errorf("failed to decode become settings: %w", err)
		}
	}
	return cred, nil
}

// CreateSource stores a source and its ordered credential links
func (ps *PostgresStorage) CreateSource(ctx context.Context, src *models.Source) error {
	ssl, err := json.Marshal(src.SSL)
	if err != nil {
		return fmt.Errorf("failed to encode ssl options: %w", err)
	}

	return ps.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO sources (name, source_type, hosts, exclude_hosts, port, ssl_options, proxy_url, max_concurrency)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at, updated_at
		`, src.Name, src.SourceType, pq.Array(src.Hosts), pq.Array(nonNil(src.ExcludeHosts)), src.Port,
			string(ssl), src.ProxyURL, src.MaxConcurrency,
		).Scan(&src.ID, &src.CreatedAt, &src.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: source %q already exists", ErrConflict, src.Name)
		}
		if err != nil {
			return fmt.Errorf("failed to create source: %w", err)
		}

		for i, credID := range src.CredentialIDs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO source_credentials (source_id, credential_id, position) VALUES ($1, $2, $3)`,
				src.ID, credID, i)
			if err != nil {
				return fmt.Errorf("failed to link credential %d: %w", credID, err)
			}
		}
		return nil
	})
}

const sourceColumns = `
	s.id, s.name, s.source_type, s.hosts, s.exclude_hosts, s.port, s.ssl_options, s.proxy_url,
	s.max_concurrency, s.created_at, s.updated_at,
	COALESCE(ARRAY(SELECT credential_id FROM source_credentials sc WHERE sc.source_id = s.id ORDER BY position), '{}')
`

// GetSource returns a source with its credential ids
func (ps *PostgresStorage) GetSource(ctx context.Context, id int64) (*models.Source, error) {
	row := ps.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources s WHERE s.id = $1`, id)
	return scanSource(row)
}

// ListSources returns all sources ordered by id
func (ps *PostgresStorage) ListSources(ctx context.Context) ([]*models.Source, error) {
	rows, err := ps.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources s ORDER BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	sources := []*models.Source{}
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

func scanSource(row rowScanner) (*models.Source, error) {
	src := &models.Source{}
	var ssl []byte
	err := row.Scan(&src.ID, &src.Name, &src.SourceType, pq.Array(&src.Hosts), pq.Array(&src.ExcludeHosts),
		&src.Port, &ssl, &src.ProxyURL, &src.MaxConcurrency, &src.CreatedAt, &src.UpdatedAt,
		pq.Array(&src.CredentialIDs))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan source: %w", err)
	}
	if err := json.Unmarshal(ssl, &src.SSL); err != nil {
		return nil, fmt.Errorf("failed to decode ssl options: %w", err)
	}
	return src, nil
}

// CreateScan stores a scan definition and its ordered source links
func (ps *PostgresStorage) CreateScan(ctx context.Context, scan *models.Scan) error {
	opts, err := json.Marshal(scan.Options)
	if err != nil {
		return fmt.Errorf("failed to encode scan options: %w", err)
	}

	return ps.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO scans (name, scan_type, options) VALUES ($1, $2, $3)
			RETURNING id, created_at, updated_at
		`, scan.Name, scan.ScanType, string(opts)).Scan(&scan.ID, &scan.CreatedAt, &scan.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: scan %q already exists", ErrConflict, scan.Name)
		}
		if err != nil {
			return fmt.Errorf("failed to create scan: %w", err)
		}

		for i, srcID := range scan.SourceIDs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO scan_sources (scan_id, source_id, position) VALUES ($1, $2, $3)`,
				scan.ID, srcID, i)
			if err != nil {
				return fmt.Errorf("failed to link source %d: %w", srcID, err)
			}
		}
		return nil
	})
}

const scanColumns = `
	sc.id, sc.name, sc.scan_type, sc.options, sc.created_at, sc.updated_at,
	COALESCE(ARRAY(SELECT source_id FROM scan_sources ss WHERE ss.scan_id = sc.id ORDER BY position), '{}')
`

// GetScan returns a scan with its source ids
func (ps *PostgresStorage) GetScan(ctx context.Context, id int64) (*models.Scan, error) {
	row := ps.db.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans sc WHERE sc.id = $1`, id)
	return scanScan(row)
}

// ListScans returns all scans ordered by id
func (ps *PostgresStorage) ListScans(ctx context.Context) ([]*models.Scan, error) {
	rows, err := ps.db.QueryContext(ctx, `SELECT `+scanColumns+` FROM scans sc ORDER BY sc.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	scans := []*models.Scan{}
	for rows.Next() {
		scan, err := scanScan(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, scan)
	}
	return scans, rows.Err()
}

// DeleteScan removes a scan; jobs and their artifacts cascade
func (ps *PostgresStorage) DeleteScan(ctx context.Context, id int64) error {
	result, err := ps.db.ExecContext(ctx, "DELETE FROM scans WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete scan: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanScan(row rowScanner) (*models.Scan, error) {
	scan := &models.Scan{}
	var opts []byte
	err := row.Scan(&scan.ID, &scan.Name, &scan.ScanType, &opts, &scan.CreatedAt, &scan.UpdatedAt, pq.Array(&scan.SourceIDs))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan scan: %w", err)
	}
	if err := json.Unmarshal(opts, &scan.Options); err != nil {
		return nil, fmt.Errorf("failed to decode scan options: %w", err)
	}
	return scan, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
