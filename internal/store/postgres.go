package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrVersionConflict is returned when an update carries an expected version
// that no longer matches the stored row.
var ErrVersionConflict = errors.New("section version conflict")

// ErrAlreadyMigrated is returned when a legacy migration targets an issue
// whose sections were already normalized.
var ErrAlreadyMigrated = errors.New("issue already migrated")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sectionColumns = `
	id, issue_id, sort_order, type, title, subtitle, content, version,
	created_at, created_by_name, created_by_email,
	last_modified, last_modified_by_name, last_modified_by_email
`

func scanSection(row interface{ Scan(...any) error }) (Section, error) {
	var item Section
	err := row.Scan(
		&item.ID,
		&item.IssueID,
		&item.Order,
		&item.Type,
		&item.Title,
		&item.Subtitle,
		&item.Content,
		&item.Version,
		&item.CreatedAt,
		&item.CreatedBy,
		&item.CreatedByEmail,
		&item.LastModified,
		&item.LastModifiedBy,
		&item.LastModifiedByEmail,
	)
	return item, err
}

func (s *PostgresStore) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	var item Issue
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, section_count, active_editors, migrated, legacy_sections,
		       updated_by_name, updated_by_email, created_at, updated_at
		FROM issues
		WHERE id=$1
	`, issueID).Scan(
		&item.ID,
		&item.Title,
		&item.Status,
		&item.SectionCount,
		&item.ActiveEditors,
		&item.Migrated,
		&item.LegacySections,
		&item.UpdatedBy,
		&item.UpdatedByEmail,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Issue{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListIssues(ctx context.Context) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status, section_count, active_editors, migrated,
		       updated_by_name, updated_by_email, created_at, updated_at
		FROM issues
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		var item Issue
		if err := rows.Scan(
			&item.ID,
			&item.Title,
			&item.Status,
			&item.SectionCount,
			&item.ActiveEditors,
			&item.Migrated,
			&item.UpdatedBy,
			&item.UpdatedByEmail,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertIssue(ctx context.Context, item Issue) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issues (id, title, status, legacy_sections, updated_by_name, updated_by_email)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Title, item.Status, item.LegacySections, item.UpdatedBy, item.UpdatedByEmail)
	if err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetActiveEditors(ctx context.Context, issueID string, count int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE issues SET active_editors=$2 WHERE id=$1`, issueID, count)
	if err != nil {
		return fmt.Errorf("set active editors: %w", err)
	}
	return nil
}

// ListSections returns all sections of an issue in storage order. Callers
// sort by Order themselves.
func (s *PostgresStore) ListSections(ctx context.Context, issueID string) ([]Section, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sectionColumns+` FROM sections WHERE issue_id=$1`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	items := make([]Section, 0)
	for rows.Next() {
		item, err := scanSection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetSection(ctx context.Context, sectionID string) (Section, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sectionColumns+` FROM sections WHERE id=$1`, sectionID)
	item, err := scanSection(row)
	if err != nil {
		return Section{}, err
	}
	return item, nil
}

func insertSectionTx(ctx context.Context, tx *sql.Tx, item Section) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sections (
			id, issue_id, sort_order, type, title, subtitle, content, version,
			created_at, created_by_name, created_by_email,
			last_modified, last_modified_by_name, last_modified_by_email
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		item.ID, item.IssueID, item.Order, item.Type, item.Title, item.Subtitle,
		item.Content, item.Version,
		item.CreatedAt, item.CreatedBy, item.CreatedByEmail,
		item.LastModified, item.LastModifiedBy, item.LastModifiedByEmail,
	)
	if err != nil {
		return fmt.Errorf("insert section %s: %w", item.ID, err)
	}
	return nil
}

func bumpSectionCountTx(ctx context.Context, tx *sql.Tx, issueID string, delta int, by, byEmail string) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE issues
		SET section_count = GREATEST(section_count + $2, 0),
		    updated_by_name = $3,
		    updated_by_email = $4,
		    updated_at = NOW()
		WHERE id = $1
	`, issueID, delta, by, byEmail)
	if err != nil {
		return fmt.Errorf("update issue section count: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("issue update result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// InsertSectionWithCount inserts one section and bumps the parent issue's
// section count in the same transaction.
func (s *PostgresStore) InsertSectionWithCount(ctx context.Context, item Section) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create section tx: %w", err)
	}
	if err := insertSectionTx(ctx, tx, item); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := bumpSectionCountTx(ctx, tx, item.IssueID, 1, item.CreatedBy, item.CreatedByEmail); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create section tx: %w", err)
	}
	return nil
}

// UpdateSectionContent applies a patch to one section, stamps the modifier
// and increments the version by exactly one. When expectedVersion is
// non-nil the write only succeeds if the stored version still matches;
// otherwise ErrVersionConflict is returned and nothing is written.
func (s *PostgresStore) UpdateSectionContent(ctx context.Context, sectionID string, patch SectionPatch, by, byEmail string, expectedVersion *int) (Section, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE sections
		SET type = COALESCE($2, type),
		    title = COALESCE($3, title),
		    subtitle = COALESCE($4, subtitle),
		    content = COALESCE($5, content),
		    version = version + 1,
		    last_modified = NOW(),
		    last_modified_by_name = $6,
		    last_modified_by_email = $7
		WHERE id = $1 AND ($8::int IS NULL OR version = $8)
		RETURNING `+sectionColumns+`
	`, sectionID, patch.Type, patch.Title, patch.Subtitle, patch.Content, by, byEmail, expectedVersion)

	item, err := scanSection(row)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		checkErr := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sections WHERE id=$1)`, sectionID).Scan(&exists)
		if checkErr != nil {
			return Section{}, fmt.Errorf("check section after update miss: %w", checkErr)
		}
		if exists {
			return Section{}, ErrVersionConflict
		}
		return Section{}, sql.ErrNoRows
	}
	if err != nil {
		return Section{}, fmt.Errorf("update section: %w", err)
	}
	return item, nil
}

// DeleteSectionWithCompaction removes a section, decrements the issue's
// section count and applies the caller-computed compacted orders for the
// remaining siblings, all in one transaction. No reader ever observes a
// partially compacted issue.
func (s *PostgresStore) DeleteSectionWithCompaction(ctx context.Context, sectionID, issueID string, orders []SectionOrder, by, byEmail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete section tx: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM sections WHERE id=$1 AND issue_id=$2`, sectionID, issueID)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete section: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete section result: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return sql.ErrNoRows
	}

	if err := bumpSectionCountTx(ctx, tx, issueID, -1, by, byEmail); err != nil {
		_ = tx.Rollback()
		return err
	}

	for _, order := range orders {
		if _, err := tx.ExecContext(ctx, `UPDATE sections SET sort_order=$2 WHERE id=$1`, order.ID, order.Order); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("compact section %s: %w", order.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete section tx: %w", err)
	}
	return nil
}

// UpdateSectionOrders applies all order changes as one transaction.
func (s *PostgresStore) UpdateSectionOrders(ctx context.Context, orders []SectionOrder) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder tx: %w", err)
	}
	for _, order := range orders {
		if _, err := tx.ExecContext(ctx, `UPDATE sections SET sort_order=$2 WHERE id=$1`, order.ID, order.Order); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("reorder section %s: %w", order.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder tx: %w", err)
	}
	return nil
}

// InsertSectionsWithCount inserts a batch of sections and bumps the issue's
// section count by the batch size in the same transaction.
func (s *PostgresStore) InsertSectionsWithCount(ctx context.Context, issueID string, items []Section, by, byEmail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin template tx: %w", err)
	}
	for _, item := range items {
		if err := insertSectionTx(ctx, tx, item); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := bumpSectionCountTx(ctx, tx, issueID, len(items), by, byEmail); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit template tx: %w", err)
	}
	return nil
}

// MigrateIssue normalizes a legacy issue: inserts the given section rows,
// clears the embedded array and flags the issue migrated, all in one
// transaction. The migrated flag doubles as the idempotency guard.
func (s *PostgresStore) MigrateIssue(ctx context.Context, issueID string, items []Section, by, byEmail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migrate tx: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE issues
		SET legacy_sections = NULL,
		    section_count = $2,
		    migrated = TRUE,
		    updated_by_name = $3,
		    updated_by_email = $4,
		    updated_at = NOW()
		WHERE id = $1 AND migrated = FALSE
	`, issueID, len(items), by, byEmail)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("flag issue migrated: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migrate flag result: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return ErrAlreadyMigrated
	}

	for _, item := range items {
		if err := insertSectionTx(ctx, tx, item); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrate tx: %w", err)
	}
	return nil
}
