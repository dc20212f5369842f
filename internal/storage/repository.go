package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"collateral-monitor/internal/basket"
	"collateral-monitor/internal/collateral"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertStateSQL = `INSERT INTO collateral_state (
        collateral_id,
        status,
        when_default,
        when_iffy,
        when_sound,
        high_water_mark,
        last_good_low,
        last_good_high,
        last_good_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,now()
    )
    ON CONFLICT (collateral_id) DO UPDATE
    SET
        status          = EXCLUDED.status,
        when_default    = EXCLUDED.when_default,
        when_iffy       = EXCLUDED.when_iffy,
        when_sound      = EXCLUDED.when_sound,
        high_water_mark = EXCLUDED.high_water_mark,
        last_good_low   = EXCLUDED.last_good_low,
        last_good_high  = EXCLUDED.last_good_high,
        last_good_at    = EXCLUDED.last_good_at,
        updated_at      = now();`

	listStatesSQL = `SELECT
        collateral_id,
        status,
        when_default,
        when_iffy,
        when_sound,
        high_water_mark::text,
        last_good_low::text,
        last_good_high::text,
        last_good_at,
        updated_at
    FROM collateral_state
    ORDER BY collateral_id;`

	insertPriceSampleSQL = `INSERT INTO price_samples (
        run_id,
        collateral_id,
        sampled_at,
        status,
        price_low,
        price_high,
        lot_low,
        lot_high,
        ref_per_tok,
        stale,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (collateral_id, sampled_at) DO UPDATE
    SET
        run_id      = EXCLUDED.run_id,
        status      = EXCLUDED.status,
        price_low   = EXCLUDED.price_low,
        price_high  = EXCLUDED.price_high,
        lot_low     = EXCLUDED.lot_low,
        lot_high    = EXCLUDED.lot_high,
        ref_per_tok = EXCLUDED.ref_per_tok,
        stale       = EXCLUDED.stale,
        error       = EXCLUDED.error;`

	selectPriceSampleColumns = `SELECT
        run_id,
        collateral_id,
        sampled_at,
        status,
        price_low::text,
        price_high::text,
        lot_low::text,
        lot_high::text,
        ref_per_tok::text,
        stale,
        error
    FROM price_samples`

	listSamplesBetweenSQL = selectPriceSampleColumns + `
    WHERE collateral_id = $1
      AND sampled_at >= $2
      AND sampled_at < $3
    ORDER BY sampled_at
    LIMIT $4;`

	listRecentSamplesSQL = selectPriceSampleColumns + `
    WHERE collateral_id = $1
    ORDER BY sampled_at DESC
    LIMIT $2;`

	insertTransitionSQL = `INSERT INTO status_transitions (
        run_id,
        kind,
        subject,
        from_status,
        to_status,
        reason,
        at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, created_at;`

	listRecentTransitionsSQL = `SELECT
        id,
        run_id,
        kind,
        subject,
        from_status,
        to_status,
        reason,
        at,
        created_at
    FROM status_transitions
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	upsertBasketSQL = `INSERT INTO basket_state (name, status, since, updated_at)
    VALUES ($1,$2,$3,now())
    ON CONFLICT (name) DO UPDATE
    SET status = EXCLUDED.status, since = EXCLUDED.since, updated_at = now();`

	getBasketSQL = `SELECT name, status, since, updated_at FROM basket_state WHERE name = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// StateStore persists collateral and basket state across restarts.
type StateStore interface {
	SaveSnapshots(ctx context.Context, snapshots []collateral.Snapshot) error
	LoadSnapshots(ctx context.Context) ([]collateral.Snapshot, error)
	SaveBasketState(ctx context.Context, name string, state basket.State) error
	LoadBasketState(ctx context.Context, name string) (basket.State, bool, error)
}

// SampleStore defines operations for price sample persistence.
type SampleStore interface {
	InsertPriceSamples(ctx context.Context, samples []PriceSample) error
	ListSamplesBetween(ctx context.Context, collateralID string, from, to time.Time, limit int) ([]PriceSample, error)
	ListRecentSamples(ctx context.Context, collateralID string, limit int) ([]PriceSample, error)
}

// TransitionStore defines operations for status change auditing.
type TransitionStore interface {
	InsertTransition(ctx context.Context, rec TransitionRecord) (TransitionRecord, error)
	ListRecentTransitions(ctx context.Context, limit int) ([]TransitionRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to state, samples and transitions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// SaveSnapshots upserts every snapshot in one transaction.
func (s *Store) SaveSnapshots(ctx context.Context, snapshots []collateral.Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, snap := range snapshots {
			rec := NewStateRecord(snap)
			batch.Queue(upsertStateSQL,
				rec.CollateralID,
				rec.Status,
				rec.WhenDefault,
				rec.WhenIffy,
				rec.WhenSound,
				rec.HighWaterMark.String(),
				rec.LastGoodLow.String(),
				rec.LastGoodHigh.String(),
				rec.LastGoodAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save snapshots: %w", err)
		}
		return nil
	})
}

// LoadSnapshots returns every persisted collateral state.
func (s *Store) LoadSnapshots(ctx context.Context) ([]collateral.Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listStatesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("load snapshots: %w", queryErr)
	}
	defer rows.Close()

	snapshots := make([]collateral.Snapshot, 0)
	for rows.Next() {
		rec, scanErr := scanStateRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snap, convErr := rec.Snapshot()
		if convErr != nil {
			return nil, convErr
		}
		snapshots = append(snapshots, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

// SaveBasketState upserts the tracking state of a basket.
func (s *Store) SaveBasketState(ctx context.Context, name string, state basket.State) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if !state.Tracked {
		return nil
	}
	if _, execErr := pool.Exec(ctx, upsertBasketSQL, name, state.Status.String(), state.Since.UTC()); execErr != nil {
		return fmt.Errorf("save basket state: %w", execErr)
	}
	return nil
}

// LoadBasketState returns the persisted state of a basket; ok is false when none exists.
func (s *Store) LoadBasketState(ctx context.Context, name string) (basket.State, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return basket.State{}, false, err
	}

	var rec BasketRecord
	scanErr := pool.QueryRow(ctx, getBasketSQL, name).Scan(&rec.Name, &rec.Status, &rec.Since, &rec.UpdatedAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return basket.State{}, false, nil
	}
	if scanErr != nil {
		return basket.State{}, false, fmt.Errorf("load basket state: %w", scanErr)
	}
	state, convErr := rec.BasketState()
	if convErr != nil {
		return basket.State{}, false, convErr
	}
	return state, true, nil
}

// InsertPriceSamples stores one tick's samples in a single batch.
func (s *Store) InsertPriceSamples(ctx context.Context, samples []PriceSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, sample := range samples {
		var errMsg interface{}
		if sample.Error != nil {
			errMsg = *sample.Error
		}
		batch.Queue(insertPriceSampleSQL,
			sample.RunID,
			sample.CollateralID,
			sample.SampledAt,
			sample.Status,
			sample.PriceLow.String(),
			sample.PriceHigh.String(),
			sample.LotLow.String(),
			sample.LotHigh.String(),
			sample.RefPerTok.String(),
			sample.Stale,
			errMsg,
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert price samples: %w", err)
	}
	return nil
}

// ListSamplesBetween lists one collateral's samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, collateralID string, from, to time.Time, limit int) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, collateralID, from, to, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()
	return collectSamples(rows)
}

// ListRecentSamples returns the latest samples of one collateral, newest first.
func (s *Store) ListRecentSamples(ctx context.Context, collateralID string, limit int) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, collateralID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()
	return collectSamples(rows)
}

// InsertTransition persists a status change.
func (s *Store) InsertTransition(ctx context.Context, rec TransitionRecord) (TransitionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return TransitionRecord{}, err
	}

	row := pool.QueryRow(ctx, insertTransitionSQL,
		rec.RunID,
		rec.Kind,
		rec.Subject,
		rec.FromStatus,
		rec.ToStatus,
		rec.Reason,
		rec.At,
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return TransitionRecord{}, fmt.Errorf("insert transition: %w", scanErr)
	}
	return rec, nil
}

// ListRecentTransitions lists the most recent status changes.
func (s *Store) ListRecentTransitions(ctx context.Context, limit int) ([]TransitionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentTransitionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent transitions: %w", queryErr)
	}
	defer rows.Close()

	out := make([]TransitionRecord, 0, limit)
	for rows.Next() {
		var rec TransitionRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.Kind,
			&rec.Subject,
			&rec.FromStatus,
			&rec.ToStatus,
			&rec.Reason,
			&rec.At,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func collectSamples(rows pgx.Rows) ([]PriceSample, error) {
	samples := make([]PriceSample, 0)
	for rows.Next() {
		sample, scanErr := scanPriceSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanStateRecord(rows pgx.Rows) (StateRecord, error) {
	var (
		rec                    StateRecord
		markStr, lowStr, hiStr string
	)
	if err := rows.Scan(
		&rec.CollateralID,
		&rec.Status,
		&rec.WhenDefault,
		&rec.WhenIffy,
		&rec.WhenSound,
		&markStr,
		&lowStr,
		&hiStr,
		&rec.LastGoodAt,
		&rec.UpdatedAt,
	); err != nil {
		return StateRecord{}, err
	}

	var err error
	if rec.HighWaterMark, err = decimal.NewFromString(markStr); err != nil {
		return StateRecord{}, fmt.Errorf("parse high water mark: %w", err)
	}
	if rec.LastGoodLow, err = decimal.NewFromString(lowStr); err != nil {
		return StateRecord{}, fmt.Errorf("parse last good low: %w", err)
	}
	if rec.LastGoodHigh, err = decimal.NewFromString(hiStr); err != nil {
		return StateRecord{}, fmt.Errorf("parse last good high: %w", err)
	}
	return rec, nil
}

func scanPriceSample(rows pgx.Rows) (PriceSample, error) {
	var (
		runID     uuid.UUID
		id        string
		sampledAt time.Time
		status    string
		decimals  [5]string
		stale     bool
		errMsg    sql.NullString
	)

	if err := rows.Scan(
		&runID,
		&id,
		&sampledAt,
		&status,
		&decimals[0],
		&decimals[1],
		&decimals[2],
		&decimals[3],
		&decimals[4],
		&stale,
		&errMsg,
	); err != nil {
		return PriceSample{}, err
	}

	var parsed [5]decimal.Decimal
	for i, raw := range decimals {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return PriceSample{}, fmt.Errorf("parse sample column %d: %w", i, err)
		}
		parsed[i] = v
	}

	sample := PriceSample{
		RunID:        runID,
		CollateralID: id,
		SampledAt:    sampledAt,
		Status:       status,
		PriceLow:     parsed[0],
		PriceHigh:    parsed[1],
		LotLow:       parsed[2],
		LotHigh:      parsed[3],
		RefPerTok:    parsed[4],
		Stale:        stale,
	}
	if errMsg.Valid {
		msg := errMsg.String
		sample.Error = &msg
	}
	return sample, nil
}
