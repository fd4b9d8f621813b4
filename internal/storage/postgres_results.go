package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"quipucords/internal/models"
)

// CreateInspectGroup stores a new inspect group
func (ps *PostgresStorage) CreateInspectGroup(ctx context.Context, g *models.InspectGroup) error {
	err := ps.db.QueryRowContext(ctx, `
		INSERT INTO inspect_groups (report_id, source_id, source_type, source_name, server_id, source_version)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, nullInt64(g.ReportID), nullInt64(g.SourceID), g.SourceType, g.SourceName, g.ServerID, g.SourceVersion,
	).Scan(&g.ID, &g.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create inspect group: %w", err)
	}
	return nil
}

const groupColumns = `id, report_id, source_id, source_type, source_name, server_id, source_version, created_at`

// GetInspectGroup returns an inspect group by id
func (ps *PostgresStorage) GetInspectGroup(ctx context.Context, id int64) (*models.InspectGroup, error) {
	return scanGroup(ps.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM inspect_groups WHERE id = $1`, id))
}

// ListInspectGroups returns the inspect groups of a report ordered by id
func (ps *PostgresStorage) ListInspectGroups(ctx context.Context, reportID int64) ([]*models.InspectGroup, error) {
	rows, err := ps.db.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM inspect_groups WHERE report_id = $1 ORDER BY id`, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to list inspect groups: %w", err)
	}
	defer rows.Close()

	groups := []*models.InspectGroup{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func scanGroup(row rowScanner) (*models.InspectGroup, error) {
	g := &models.InspectGroup{}
	var reportID, sourceID sql.NullInt64
	err := row.Scan(&g.ID, &reportID, &sourceID, &g.SourceType, &g.SourceName, &g.ServerID, &g.SourceVersion, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan inspect group: %w", err)
	}
	g.ReportID = ptrInt64(reportID)
	g.SourceID = ptrInt64(sourceID)
	return g, nil
}

// lockRunningTask takes a shared lock on a task row and fails unless it is running.
// Concurrent result writers of one task share the lock; a status transition waits for them.
func lockRunningTask(ctx context.Context, tx *sql.Tx, taskID int64) error {
	var status models.Status
	err := tx.QueryRowContext(ctx, `SELECT status FROM scan_tasks WHERE id = $1 FOR SHARE`, taskID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock task: %w", err)
	}
	if status != models.StatusRunning {
		return fmt.Errorf("%w: task %d is %s", ErrTaskNotRunning, taskID, status)
	}
	return nil
}

// SaveInspectResult writes one target's result and raw facts atomically.
// A taskID of 0 skips the running check (uploaded reports).
func (ps *PostgresStorage) SaveInspectResult(ctx context.Context, taskID int64, r *models.InspectResult) error {
	return ps.withTx(ctx, func(tx *sql.Tx) error {
		if taskID > 0 {
			if err := lockRunningTask(ctx, tx, taskID); err != nil {
				return err
			}
			r.TaskID = &taskID
		}

		err := tx.QueryRowContext(ctx, `
			INSERT INTO inspect_results (inspect_group_id, task_id, name, status, error_kind, error_message)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at
		`, r.InspectGroupID, nullInt64(r.TaskID), r.Name, r.Status, r.ErrorKind, r.ErrorMessage,
		).Scan(&r.ID, &r.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert inspect result: %w", err)
		}

		if len(r.Facts) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO raw_facts (inspect_result_id, name, value) VALUES ($1, $2, $3)`)
		if err != nil {
			return fmt.Errorf("failed to prepare raw fact insert: %w", err)
		}
		defer stmt.Close()
		for _, f := range r.Facts {
			if _, err := stmt.ExecContext(ctx, r.ID, f.Name, jsonValue(f.Value)); err != nil {
				return fmt.Errorf("failed to insert raw fact %s: %w", f.Name, err)
			}
		}
		return nil
	})
}

// jsonValue converts a raw JSON document into a parameter accepted by a JSONB column
func jsonValue(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// ListInspectResults returns the results of a group with their raw facts
func (ps *PostgresStorage) ListInspectResults(ctx context.Context, groupID int64) ([]*models.InspectResult, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT id, inspect_group_id, task_id, name, status, error_kind, error_message, created_at
		FROM inspect_results WHERE inspect_group_id = $1 ORDER BY id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list inspect results: %w", err)
	}
	defer rows.Close()

	results := []*models.InspectResult{}
	byID := map[int64]*models.InspectResult{}
	for rows.Next() {
		r := &models.InspectResult{}
		var taskID sql.NullInt64
		if err := rows.Scan(&r.ID, &r.InspectGroupID, &taskID, &r.Name, &r.Status, &r.ErrorKind, &r.ErrorMessage, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan inspect result: %w", err)
		}
		r.TaskID = ptrInt64(taskID)
		results = append(results, r)
		byID[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	factRows, err := ps.db.QueryContext(ctx, `
		SELECT f.inspect_result_id, f.name, f.value
		FROM raw_facts f JOIN inspect_results r ON r.id = f.inspect_result_id
		WHERE r.inspect_group_id = $1
		ORDER BY f.id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw facts: %w", err)
	}
	defer factRows.Close()

	for factRows.Next() {
		var resultID int64
		var name string
		var value []byte
		if err := factRows.Scan(&resultID, &name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan raw fact: %w", err)
		}
		if r, ok := byID[resultID]; ok {
			r.Facts = append(r.Facts, models.RawFact{Name: name, Value: json.RawMessage(value)})
		}
	}
	return results, factRows.Err()
}

// SaveConnectionResult records a reachability outcome for a running task
func (ps *PostgresStorage) SaveConnectionResult(ctx context.Context, r *models.ConnectionResult) error {
	return ps.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockRunningTask(ctx, tx, r.TaskID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO connection_results (task_id, name, status, credential, message)
			VALUES ($1, $2, $3, $4, $5)
		`, r.TaskID, r.Name, r.Status, r.Credential, r.Message)
		if err != nil {
			return fmt.Errorf("failed to insert connection result: %w", err)
		}
		return nil
	})
}

// ListConnectionResults returns the reachability outcomes of a task
func (ps *PostgresStorage) ListConnectionResults(ctx context.Context, taskID int64) ([]*models.ConnectionResult, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT task_id, name, status, credential, message
		FROM connection_results WHERE task_id = $1 ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connection results: %w", err)
	}
	defer rows.Close()

	results := []*models.ConnectionResult{}
	for rows.Next() {
		r := &models.ConnectionResult{}
		if err := rows.Scan(&r.TaskID, &r.Name, &r.Status, &r.Credential, &r.Message); err != nil {
			return nil, fmt.Errorf("failed to scan connection result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CreateReport stores a new report
func (ps *PostgresStorage) CreateReport(ctx context.Context, r *models.Report) error {
	err := ps.db.QueryRowContext(ctx, `
		INSERT INTO reports (job_id, report_platform_id, report_version)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, nullInt64(r.JobID), r.ReportPlatformID, r.ReportVersion).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	return nil
}

// GetReport returns a report by id
func (ps *PostgresStorage) GetReport(ctx context.Context, id int64) (*models.Report, error) {
	r := &models.Report{}
	var jobID sql.NullInt64
	err := ps.db.QueryRowContext(ctx, `
		SELECT id, job_id, report_platform_id, report_version, created_at FROM reports WHERE id = $1
	`, id).Scan(&r.ID, &jobID, &r.ReportPlatformID, &r.ReportVersion, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	r.JobID = ptrInt64(jobID)
	return r, nil
}

// SaveDeploymentsReport replaces the deployments report of a report together
// with its fingerprints, products and entitlements in one transaction.
// A taskID of 0 skips the running check (job finalization).
func (ps *PostgresStorage) SaveDeploymentsReport(ctx context.Context, reportID, taskID int64, status models.Status, fingerprints []*models.SystemFingerprint) (*models.DeploymentsReport, error) {
	dr := &models.DeploymentsReport{ReportID: reportID, Status: status}
	err := ps.withTx(ctx, func(tx *sql.Tx) error {
		if taskID > 0 {
			if err := lockRunningTask(ctx, tx, taskID); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM deployments_reports WHERE report_id = $1`, reportID); err != nil {
			return fmt.Errorf("failed to clear deployments report: %w", err)
		}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO deployments_reports (report_id, status) VALUES ($1, $2)
			RETURNING id, created_at
		`, reportID, status).Scan(&dr.ID, &dr.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create deployments report: %w", err)
		}

		for i, fp := range fingerprints {
			if err := insertFingerprint(ctx, tx, dr.ID, i, fp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dr, nil
}

func insertFingerprint(ctx context.Context, tx *sql.Tx, drID int64, position int, fp *models.SystemFingerprint) error {
	attrs := *fp
	attrs.ID = 0
	attrs.DeploymentsReportID = 0
	attrs.Products = nil
	attrs.Entitlements = nil
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode fingerprint: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO system_fingerprints (deployments_report_id, position, attributes)
		VALUES ($1, $2, $3) RETURNING id
	`, drID, position, string(data)).Scan(&fp.ID)
	if err != nil {
		return fmt.Errorf("failed to insert fingerprint: %w", err)
	}
	fp.DeploymentsReportID = drID

	for _, p := range fp.Products {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO fingerprint_products (fingerprint_id, name, presence, versions, metadata)
			VALUES ($1, $2, $3, $4, $5)
		`, fp.ID, p.Name, p.Presence, pq.Array(nonNil(p.Versions)), metadataValue(p.Metadata))
		if err != nil {
			return fmt.Errorf("failed to insert product %s: %w", p.Name, err)
		}
	}
	for _, e := range fp.Entitlements {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO fingerprint_entitlements (fingerprint_id, name, entitlement_id, metadata)
			VALUES ($1, $2, $3, $4)
		`, fp.ID, e.Name, e.EntitlementID, metadataValue(e.Metadata))
		if err != nil {
			return fmt.Errorf("failed to insert entitlement %s: %w", e.Name, err)
		}
	}
	return nil
}

func metadataValue(m *models.FactMetadata) sql.NullString {
	if m == nil {
		return sql.NullString{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func decodeMetadata(raw []byte) *models.FactMetadata {
	if len(raw) == 0 {
		return nil
	}
	m := &models.FactMetadata{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil
	}
	return m
}

// GetDeploymentsReport returns the deployments report of a report
func (ps *PostgresStorage) GetDeploymentsReport(ctx context.Context, reportID int64) (*models.DeploymentsReport, error) {
	dr := &models.DeploymentsReport{}
	err := ps.db.QueryRowContext(ctx, `
		SELECT id, report_id, status, cached_fingerprints_file_path, cached_csv_file_path,
			cached_masked_fingerprints_file_path, created_at
		FROM deployments_reports WHERE report_id = $1
	`, reportID).Scan(&dr.ID, &dr.ReportID, &dr.Status, &dr.CachedFingerprintsFilePath, &dr.CachedCSVFilePath,
		&dr.CachedMaskedFingerprintPath, &dr.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployments report: %w", err)
	}
	return dr, nil
}

// UpdateDeploymentsCache records the cache file paths of a deployments report
func (ps *PostgresStorage) UpdateDeploymentsCache(ctx context.Context, dr *models.DeploymentsReport) error {
	result, err := ps.db.ExecContext(ctx, `
		UPDATE deployments_reports SET
			cached_fingerprints_file_path = $2,
			cached_csv_file_path = $3,
			cached_masked_fingerprints_file_path = $4
		WHERE id = $1
	`, dr.ID, dr.CachedFingerprintsFilePath, dr.CachedCSVFilePath, dr.CachedMaskedFingerprintPath)
	if err != nil {
		return fmt.Errorf("failed to update deployments cache: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFingerprints returns the fingerprints of a deployments report in write order
func (ps *PostgresStorage) ListFingerprints(ctx context.Context, drID int64) ([]*models.SystemFingerprint, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT id, attributes FROM system_fingerprints
		WHERE deployments_report_id = $1 ORDER BY position
	`, drID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	defer rows.Close()

	fingerprints := []*models.SystemFingerprint{}
	byID := map[int64]*models.SystemFingerprint{}
	for rows.Next() {
		var id int64
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		fp := &models.SystemFingerprint{}
		if err := json.Unmarshal(data, fp); err != nil {
			return nil, fmt.Errorf("failed to decode fingerprint %d: %w", id, err)
		}
		fp.ID = id
		fp.DeploymentsReportID = drID
		fp.Products = []models.Product{}
		fp.Entitlements = []models.Entitlement{}
		fingerprints = append(fingerprints, fp)
		byID[id] = fp
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := ps.loadProducts(ctx, drID, byID); err != nil {
		return nil, err
	}
	if err := ps.loadEntitlements(ctx, drID, byID); err != nil {
		return nil, err
	}
	return fingerprints, nil
}

func (ps *PostgresStorage) loadProducts(ctx context.Context, drID int64, byID map[int64]*models.SystemFingerprint) error {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT p.fingerprint_id, p.name, p.presence, p.versions, p.metadata
		FROM fingerprint_products p JOIN system_fingerprints f ON f.id = p.fingerprint_id
		WHERE f.deployments_report_id = $1 ORDER BY p.id
	`, drID)
	if err != nil {
		return fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fpID int64
		var p models.Product
		var meta []byte
		if err := rows.Scan(&fpID, &p.Name, &p.Presence, pq.Array(&p.Versions), &meta); err != nil {
			return fmt.Errorf("failed to scan product: %w", err)
		}
		if len(p.Versions) == 0 {
			p.Versions = nil
		}
		p.Metadata = decodeMetadata(meta)
		if fp, ok := byID[fpID]; ok {
			fp.Products = append(fp.Products, p)
		}
	}
	return rows.Err()
}

func (ps *PostgresStorage) loadEntitlements(ctx context.Context, drID int64, byID map[int64]*models.SystemFingerprint) error {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT e.fingerprint_id, e.name, e.entitlement_id, e.metadata
		FROM fingerprint_entitlements e JOIN system_fingerprints f ON f.id = e.fingerprint_id
		WHERE f.deployments_report_id = $1 ORDER BY e.id
	`, drID)
	if err != nil {
		return fmt.Errorf("failed to list entitlements: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fpID int64
		var e models.Entitlement
		var meta []byte
		if err := rows.Scan(&fpID, &e.Name, &e.EntitlementID, &meta); err != nil {
			return fmt.Errorf("failed to scan entitlement: %w", err)
		}
		e.Metadata = decodeMetadata(meta)
		if fp, ok := byID[fpID]; ok {
			fp.Entitlements = append(fp.Entitlements, e)
		}
	}
	return rows.Err()
}
