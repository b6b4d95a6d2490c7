package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rewardpools/stake-engine/internal/idempotency"
	"github.com/rewardpools/stake-engine/internal/ledger"
	"github.com/rewardpools/stake-engine/internal/staking"
)

var ErrInvalidConfig = errors.New("ledger/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ledger/postgres: ensure schema: %w", err)
	}
	return nil
}

// ApplyIfNew records the processed key and applies the mutation in one
// transaction. A concurrent insert of the same key blocks on the unique index
// until the first transaction commits, then observes the conflict.
func (s *Store) ApplyIfNew(ctx context.Context, key idempotency.Key, m ledger.Mutation) (ledger.ApplyResult, error) {
	if s == nil || s.pool == nil {
		return ledger.ApplyResult{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := m.Validate(); err != nil {
		return ledger.ApplyResult{}, err
	}
	if m.Pool.ChainID > math.MaxInt64 {
		return ledger.ApplyResult{}, fmt.Errorf("%w: chain id too large", ledger.ErrInvalidInput)
	}
	chainID := int64(m.Pool.ChainID)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ledger.ApplyResult{}, fmt.Errorf("ledger/postgres: begin apply tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_transactions (
			idempotency_key,
			tx_hash,
			kind,
			user_address,
			chain_id,
			pool_address,
			processed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key[:], m.TxHash[:], int16(m.Kind), m.User[:], chainID, m.Pool.Address[:], m.At.UTC())
	if err != nil {
		return ledger.ApplyResult{}, fmt.Errorf("ledger/postgres: insert processed: %w", err)
	}

	if tag.RowsAffected() == 0 {
		prev, err := readAmount(ctx, tx, m.User, chainID, m.Pool.Address, false)
		if err != nil {
			return ledger.ApplyResult{}, err
		}
		return ledger.ApplyResult{Applied: false, Previous: prev, Current: new(big.Int).Set(prev)}, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO user_stakes (user_address, chain_id, pool_address, confirmed_amount, updated_at)
		VALUES ($1,$2,$3,0,$4)
		ON CONFLICT (user_address, chain_id, pool_address) DO NOTHING
	`, m.User[:], chainID, m.Pool.Address[:], m.At.UTC()); err != nil {
		return ledger.ApplyResult{}, fmt.Errorf("ledger/postgres: insert user stake: %w", err)
	}

	prev, err := readAmount(ctx, tx, m.User, chainID, m.Pool.Address, true)
	if err != nil {
		return ledger.ApplyResult{}, err
	}

	cur, expected, clamped := ledger.NextAmount(prev, m)

	var lastClaim *time.Time
	if ledger.ResetsClaim(m.Kind) {
		at := m.At.UTC()
		lastClaim = &at
	}
	if _, err := tx.Exec(ctx, `
		UPDATE user_stakes
		SET
			confirmed_amount = $4::numeric,
			last_tx_hash = $5,
			last_claim_at = COALESCE($6, last_claim_at),
			updated_at = $7
		WHERE user_address = $1 AND chain_id = $2 AND pool_address = $3
	`, m.User[:], chainID, m.Pool.Address[:], cur.String(), m.TxHash[:], lastClaim, m.At.UTC()); err != nil {
		return ledger.ApplyResult{}, fmt.Errorf("ledger/postgres: update user stake: %w", err)
	}

	delta := new(big.Int).Sub(cur, prev)
	if delta.Sign() != 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE stake_pools
			SET
				total_staked = GREATEST(total_staked + $3::numeric, 0),
				participants = GREATEST(participants + $4, 0)
			WHERE chain_id = $1 AND address = $2
		`, chainID, m.Pool.Address[:], delta.String(), ledger.ParticipantDelta(prev, cur)); err != nil {
			return ledger.ApplyResult{}, fmt.Errorf("ledger/postgres: update pool aggregates: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ledger.ApplyResult{}, fmt.Errorf("ledger/postgres: commit apply tx: %w", err)
	}

	return ledger.ApplyResult{
		Applied:  true,
		Previous: prev,
		Current:  cur,
		Clamped:  clamped,
		Expected: expected,
	}, nil
}

func readAmount(ctx context.Context, tx pgx.Tx, user common.Address, chainID int64, pool common.Address, lock bool) (*big.Int, error) {
	q := `
		SELECT confirmed_amount::text
		FROM user_stakes
		WHERE user_address = $1 AND chain_id = $2 AND pool_address = $3
	`
	if lock {
		q += ` FOR UPDATE`
	}
	var raw string
	err := tx.QueryRow(ctx, q, user[:], chainID, pool[:]).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("ledger/postgres: read stake: %w", err)
	}
	return parseNumeric(raw)
}

func (s *Store) IsProcessed(ctx context.Context, key idempotency.Key) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var one int
	err := s.pool.QueryRow(ctx, `
		SELECT 1 FROM processed_transactions WHERE idempotency_key = $1
	`, key[:]).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("ledger/postgres: is processed: %w", err)
	}
	return true, nil
}

func (s *Store) GetUserStake(ctx context.Context, user common.Address, pool staking.PoolRef) (staking.UserStake, error) {
	if s == nil || s.pool == nil {
		return staking.UserStake{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT chain_id, pool_address, confirmed_amount::text, last_tx_hash, last_claim_at, updated_at
		FROM user_stakes
		WHERE user_address = $1 AND chain_id = $2 AND pool_address = $3
	`, user[:], int64(pool.ChainID), pool.Address[:])
	us, err := scanUserStake(user, row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return staking.UserStake{}, ledger.ErrNotFound
		}
		return staking.UserStake{}, err
	}
	return us, nil
}

func (s *Store) GetLastClaim(ctx context.Context, user common.Address, pool staking.PoolRef) (*time.Time, error) {
	us, err := s.GetUserStake(ctx, user, pool)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return us.LastClaimAt, nil
}

func (s *Store) ListUserStakes(ctx context.Context, user common.Address) ([]staking.UserStake, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT chain_id, pool_address, confirmed_amount::text, last_tx_hash, last_claim_at, updated_at
		FROM user_stakes
		WHERE user_address = $1
		ORDER BY chain_id ASC, pool_address ASC
	`, user[:])
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: list user stakes: %w", err)
	}
	defer rows.Close()

	var out []staking.UserStake
	for rows.Next() {
		us, err := scanUserStake(user, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, us)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: list user stakes rows: %w", err)
	}
	return out, nil
}

func scanUserStake(user common.Address, row pgx.Row) (staking.UserStake, error) {
	var (
		chainID   int64
		poolRaw   []byte
		amountRaw string
		txRaw     []byte
		lastClaim *time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&chainID, &poolRaw, &amountRaw, &txRaw, &lastClaim, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return staking.UserStake{}, err
		}
		return staking.UserStake{}, fmt.Errorf("ledger/postgres: scan user stake: %w", err)
	}
	if chainID < 0 || len(poolRaw) != common.AddressLength {
		return staking.UserStake{}, fmt.Errorf("ledger/postgres: malformed user stake row")
	}
	amount, err := parseNumeric(amountRaw)
	if err != nil {
		return staking.UserStake{}, err
	}
	us := staking.UserStake{
		User:            user,
		Pool:            staking.PoolRef{ChainID: uint64(chainID), Address: common.BytesToAddress(poolRaw)},
		ConfirmedAmount: amount,
		UpdatedAt:       updatedAt.UTC(),
	}
	if len(txRaw) == common.HashLength {
		us.LastTxHash = common.BytesToHash(txRaw)
	}
	if lastClaim != nil {
		at := lastClaim.UTC()
		us.LastClaimAt = &at
	}
	return us, nil
}

// UpsertPool registers a pool. Identity (chain, address, creator) is immutable;
// name and description may be refreshed. Aggregates are seeded from stakes
// reconciled before registration.
func (s *Store) UpsertPool(ctx context.Context, p staking.Pool) (staking.Pool, bool, error) {
	if s == nil || s.pool == nil {
		return staking.Pool{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if p.Ref.IsZero() || p.Ref.ChainID > math.MaxInt64 {
		return staking.Pool{}, false, ledger.ErrInvalidInput
	}
	chainID := int64(p.Ref.ChainID)
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO stake_pools (chain_id, address, creator, name, description, total_staked, participants, created_at)
		SELECT $1, $2, $3, $4, $5,
			COALESCE(SUM(confirmed_amount), 0),
			COUNT(*) FILTER (WHERE confirmed_amount > 0),
			$6
		FROM user_stakes
		WHERE chain_id = $1 AND pool_address = $2
		ON CONFLICT (chain_id, address) DO NOTHING
	`, chainID, p.Ref.Address[:], p.Creator[:], p.Name, p.Description, createdAt.UTC())
	if err != nil {
		return staking.Pool{}, false, fmt.Errorf("ledger/postgres: insert pool: %w", err)
	}
	if tag.RowsAffected() == 1 {
		got, err := s.GetPool(ctx, p.Ref)
		return got, true, err
	}

	existing, err := s.GetPool(ctx, p.Ref)
	if err != nil {
		return staking.Pool{}, false, err
	}
	if p.Creator != (common.Address{}) && existing.Creator != p.Creator {
		return staking.Pool{}, false, ledger.ErrPoolMismatch
	}
	if (p.Name != "" && p.Name != existing.Name) || (p.Description != "" && p.Description != existing.Description) {
		if _, err := s.pool.Exec(ctx, `
			UPDATE stake_pools
			SET
				name = CASE WHEN $3 = '' THEN name ELSE $3 END,
				description = CASE WHEN $4 = '' THEN description ELSE $4 END
			WHERE chain_id = $1 AND address = $2
		`, chainID, p.Ref.Address[:], p.Name, p.Description); err != nil {
			return staking.Pool{}, false, fmt.Errorf("ledger/postgres: update pool: %w", err)
		}
		if p.Name != "" {
			existing.Name = p.Name
		}
		if p.Description != "" {
			existing.Description = p.Description
		}
	}
	return existing, false, nil
}

func (s *Store) GetPool(ctx context.Context, ref staking.PoolRef) (staking.Pool, error) {
	if s == nil || s.pool == nil {
		return staking.Pool{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var (
		creatorRaw   []byte
		name         string
		description  string
		totalRaw     string
		participants int64
		createdAt    time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT creator, name, description, total_staked::text, participants, created_at
		FROM stake_pools
		WHERE chain_id = $1 AND address = $2
	`, int64(ref.ChainID), ref.Address[:]).Scan(&creatorRaw, &name, &description, &totalRaw, &participants, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return staking.Pool{}, ledger.ErrNotFound
		}
		return staking.Pool{}, fmt.Errorf("ledger/postgres: get pool: %w", err)
	}
	if len(creatorRaw) != common.AddressLength || participants < 0 {
		return staking.Pool{}, fmt.Errorf("ledger/postgres: malformed pool row")
	}
	total, err := parseNumeric(totalRaw)
	if err != nil {
		return staking.Pool{}, err
	}
	return staking.Pool{
		Ref:          ref,
		Creator:      common.BytesToAddress(creatorRaw),
		Name:         name,
		Description:  description,
		TotalStaked:  total,
		Participants: uint64(participants),
		CreatedAt:    createdAt.UTC(),
	}, nil
}

func parseNumeric(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("ledger/postgres: invalid numeric %q in db", raw)
	}
	return v, nil
}

var _ ledger.Store = (*Store)(nil)
