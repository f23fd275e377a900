package party

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/platform/db"
)

// Repository persists party profiles in PostgreSQL.
type Repository struct {
	tm *db.TxManager
}

// NewRepository constructs Repository.
func NewRepository(tm *db.TxManager) *Repository {
	return &Repository{tm: tm}
}

type txRepository struct {
	tx pgx.Tx
}

const profileColumns = `id, party_type, name, credit_limit, payment_terms_days, outstanding_balance, loyalty_points, created_at, updated_at`

// WithTx executes the callback inside the caller's transaction or a new repeatable-read one.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("party repository not initialised")
	}
	return r.tm.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *Repository) GetProfile(ctx context.Context, p ledger.Party) (Profile, error) {
	return scanProfile(r.tm.Executor(ctx).QueryRow(ctx, `SELECT `+profileColumns+` FROM parties WHERE party_type=$1 AND id=$2`, string(p.Type), p.ID))
}

func (r *Repository) ListProfiles(ctx context.Context, partyType ledger.PartyType) ([]Profile, error) {
	rows, err := r.tm.Executor(ctx).Query(ctx, `SELECT `+profileColumns+` FROM parties WHERE party_type=$1 ORDER BY name, id`, string(partyType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *txRepository) CreateProfile(ctx context.Context, p Profile) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO parties (`+profileColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, string(p.Type), p.Name, p.CreditLimit, p.PaymentTermsDays, p.OutstandingBalance, p.LoyaltyPoints, p.CreatedAt, p.UpdatedAt)
	return err
}

func (t *txRepository) GetProfileForUpdate(ctx context.Context, p ledger.Party) (Profile, error) {
	return scanProfile(t.tx.QueryRow(ctx, `SELECT `+profileColumns+` FROM parties WHERE party_type=$1 AND id=$2 FOR UPDATE`, string(p.Type), p.ID))
}

func (t *txRepository) UpdateCachedFields(ctx context.Context, p ledger.Party, outstanding decimal.Decimal, loyalty int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE parties SET outstanding_balance=$3, loyalty_points=$4, updated_at=NOW() WHERE party_type=$1 AND id=$2`,
		string(p.Type), p.ID, outstanding, loyalty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var (
		p     Profile
		pType string
	)
	err := row.Scan(&p.ID, &pType, &p.Name, &p.CreditLimit, &p.PaymentTermsDays, &p.OutstandingBalance, &p.LoyaltyPoints, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	p.Type = ledger.PartyType(pType)
	return p, nil
}
