package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nbf-stay/smartqr-api/internal/models"
)

const pqUniqueViolation = "23505"

// ErrDuplicateCode signals the code string hit the unique index; the
// generator redraws the suffix and retries.
var ErrDuplicateCode = errors.New("duplicate code")

// ErrCodeTaken signals a conditional bind found the code no longer unused.
var ErrCodeTaken = errors.New("code not unused")

// CodeRepository provides database access to the QR code store.
type CodeRepository struct {
	db *sqlx.DB
}

// NewCodeRepository creates a new instance of CodeRepository.
func NewCodeRepository(db *sqlx.DB) *CodeRepository {
	return &CodeRepository{db: db}
}

const codeColumns = `id, code, status, assigned_user_id, is_downloaded, created_at, updated_at`

// Create inserts a fresh UNUSED record. ErrDuplicateCode is returned when
// the code string collides with an existing record.
func (r *CodeRepository) Create(ctx context.Context, qr *models.QRCode) error {
	if qr.ID == "" {
		qr.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	qr.Status = models.CodeStatusUnused
	qr.CreatedAt = now
	qr.UpdatedAt = now

	const query = `INSERT INTO qr_codes (id, code, status, assigned_user_id, is_downloaded, created_at, updated_at)
VALUES ($1, $2, $3, NULL, FALSE, $4, $4)`
	if _, err := r.db.ExecContext(ctx, query, qr.ID, qr.Code, qr.Status, now); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return ErrDuplicateCode
		}
		return fmt.Errorf("insert qr code: %w", err)
	}
	return nil
}

// FindByCode returns a record by exact code string match.
func (r *CodeRepository) FindByCode(ctx context.Context, code string) (*models.QRCode, error) {
	query := `SELECT ` + codeColumns + ` FROM qr_codes WHERE code = $1 LIMIT 1`
	var qr models.QRCode
	if err := r.db.GetContext(ctx, &qr, query, code); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find qr code by code: %w", err)
	}
	return &qr, nil
}

// FindByID returns a record by identifier.
func (r *CodeRepository) FindByID(ctx context.Context, id string) (*models.QRCode, error) {
	query := `SELECT ` + codeColumns + ` FROM qr_codes WHERE id = $1 LIMIT 1`
	var qr models.QRCode
	if err := r.db.GetContext(ctx, &qr, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find qr code by id: %w", err)
	}
	return &qr, nil
}

// FindByIDs loads the given records and returns them in the order the ids
// were supplied. Unknown ids are skipped.
func (r *CodeRepository) FindByIDs(ctx context.Context, ids []string) ([]models.QRCode, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + codeColumns + ` FROM qr_codes WHERE id = ANY($1)`
	var rows []models.QRCode
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("find qr codes by ids: %w", err)
	}
	byID := make(map[string]models.QRCode, len(rows))
	for _, qr := range rows {
		byID[qr.ID] = qr
	}
	ordered := make([]models.QRCode, 0, len(ids))
	for _, id := range ids {
		if qr, ok := byID[id]; ok {
			ordered = append(ordered, qr)
		}
	}
	return ordered, nil
}

// List returns codes based on filters with total count.
func (r *CodeRepository) List(ctx context.Context, filter models.CodeFilter) ([]models.QRCode, int, error) {
	baseQuery := `FROM qr_codes WHERE 1=1`
	var conditions []string
	var args []interface{}

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, *filter.Status)
	}
	if filter.Prefix != "" {
		conditions = append(conditions, fmt.Sprintf("code LIKE $%d", len(args)+1))
		args = append(args, strings.ToUpper(filter.Prefix)+"\\_%")
	}

	if len(conditions) > 0 {
		baseQuery += " AND " + strings.Join(conditions, " AND ")
	}

	sortBy := filter.SortBy
	allowedSorts := map[string]bool{
		"code":       true,
		"status":     true,
		"created_at": true,
		"updated_at": true,
	}
	if !allowedSorts[sortBy] {
		sortBy = "created_at"
	}

	sortOrder := strings.ToUpper(filter.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	countQuery := `SELECT COUNT(*) ` + baseQuery
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count qr codes: %w", err)
	}

	listQuery := fmt.Sprintf(`SELECT %s %s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
		codeColumns, baseQuery, sortBy, sortOrder, len(args)+1, len(args)+2)
	args = append(args, pageSize, offset)

	var codes []models.QRCode
	if err := r.db.SelectContext(ctx, &codes, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list qr codes: %w", err)
	}
	return codes, total, nil
}

// AssignOutcome reports the result of a successful bind.
type AssignOutcome struct {
	Bound        models.QRCode
	ReleasedCode *string
}

// Assign binds the code to the user in one transaction: the user row is
// locked, any previously assigned code is retired to DISABLED, the new
// code is bound only while still UNUSED, and the user's pointer is moved.
// A lost race surfaces as ErrCodeTaken; a missing user as sql.ErrNoRows.
func (r *CodeRepository) Assign(ctx context.Context, userID, code string) (outcome *AssignOutcome, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin assign transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var user struct {
		ID           string  `db:"id"`
		AssignedQRID *string `db:"assigned_qr_id"`
	}
	const lockUser = `SELECT id, assigned_qr_id FROM users WHERE id = $1 FOR UPDATE`
	if err = tx.GetContext(ctx, &user, lockUser, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("lock user: %w", err)
	}

	now := time.Now().UTC()
	var releasedCode *string
	if user.AssignedQRID != nil {
		var prior string
		const release = `UPDATE qr_codes SET status = $2, assigned_user_id = NULL, updated_at = $3
WHERE id = $1 AND status = $4 RETURNING code`
		err = tx.GetContext(ctx, &prior, release, *user.AssignedQRID, models.CodeStatusDisabled, now, models.CodeStatusActive)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("release prior code: %w", err)
		}
		err = nil
		if prior != "" {
			releasedCode = &prior
		}
	}

	var bound models.QRCode
	bind := `UPDATE qr_codes SET status = $2, assigned_user_id = $3, updated_at = $4
WHERE code = $1 AND status = $5 RETURNING ` + codeColumns
	err = tx.GetContext(ctx, &bound, bind, code, models.CodeStatusActive, userID, now, models.CodeStatusUnused)
	if err != nil {
		if err == sql.ErrNoRows {
			err = ErrCodeTaken
			return nil, err
		}
		return nil, fmt.Errorf("bind code: %w", err)
	}

	const pointUser = `UPDATE users SET assigned_qr_id = $2, updated_at = $3 WHERE id = $1`
	if _, err = tx.ExecContext(ctx, pointUser, userID, bound.ID, now); err != nil {
		return nil, fmt.Errorf("update user pointer: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit assign: %w", err)
	}
	return &AssignOutcome{Bound: bound, ReleasedCode: releasedCode}, nil
}

// Revoke disables an active code and clears the binding on both sides.
func (r *CodeRepository) Revoke(ctx context.Context, id string) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revoke transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	const disable = `UPDATE qr_codes SET status = $2, assigned_user_id = NULL, updated_at = $3
WHERE id = $1 AND status = $4`
	result, err := tx.ExecContext(ctx, disable, id, models.CodeStatusDisabled, now, models.CodeStatusActive)
	if err != nil {
		return fmt.Errorf("disable code: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("disable code rows affected: %w", err)
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return err
	}

	const unpoint = `UPDATE users SET assigned_qr_id = NULL, updated_at = $2 WHERE assigned_qr_id = $1`
	if _, err = tx.ExecContext(ctx, unpoint, id, now); err != nil {
		return fmt.Errorf("clear user pointer: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit revoke: %w", err)
	}
	return nil
}

// MarkDownloaded flips the download flag. The update is idempotent;
// repeating it is not an error.
func (r *CodeRepository) MarkDownloaded(ctx context.Context, id string) error {
	const query = `UPDATE qr_codes SET is_downloaded = TRUE, updated_at = $2 WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark downloaded: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark downloaded rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes the record entirely. Distinct from disabling: the code
// string disappears from the store.
func (r *CodeRepository) Delete(ctx context.Context, id string) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const unpoint = `UPDATE users SET assigned_qr_id = NULL, updated_at = $2 WHERE assigned_qr_id = $1`
	if _, err = tx.ExecContext(ctx, unpoint, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("clear user pointer: %w", err)
	}

	const remove = `DELETE FROM qr_codes WHERE id = $1`
	result, err := tx.ExecContext(ctx, remove, id)
	if err != nil {
		return fmt.Errorf("delete qr code: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete qr code rows affected: %w", err)
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}
