package credentials

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelcast/backend/internal/models"
)

var ErrNotFound = errors.New("credential not found")

// Repository persists API credentials. Only the hash and display prefix are stored.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const credentialColumns = `id, account_id, label, prefix, secret_hash, created_at, last_used_at`

func scanCredential(row pgx.Row) (*models.APICredential, error) {
	var c models.APICredential
	err := row.Scan(&c.ID, &c.AccountID, &c.Label, &c.Prefix, &c.SecretHash, &c.CreatedAt, &c.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) Create(ctx context.Context, c *models.APICredential) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO api_credentials (id, account_id, label, prefix, secret_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, c.ID, c.AccountID, c.Label, c.Prefix, c.SecretHash).Scan(&c.CreatedAt)
}

// FindByHash returns the credential with the given secret hash or ErrNotFound.
func (r *Repository) FindByHash(ctx context.Context, secretHash string) (*models.APICredential, error) {
	return scanCredential(r.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM api_credentials WHERE secret_hash = $1`, secretHash))
}

func (r *Repository) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE api_credentials SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *Repository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.APICredential, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+credentialColumns+` FROM api_credentials WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.APICredential{}
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// DeleteOwned removes the credential only when accountID owns it and
// reports whether a row was deleted.
func (r *Repository) DeleteOwned(ctx context.Context, id, accountID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM api_credentials WHERE id = $1 AND account_id = $2`, id, accountID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
