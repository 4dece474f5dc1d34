package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mission-council/internal/model"
)

// Pool is the subset of pgxpool.Pool the store needs. pgxmock satisfies it
// in tests.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool. Every mutation runs in a
// transaction holding a transaction-scoped advisory lock on the mission id
// or coupon code, so replicas sharing the database serialize per key even
// without a distributed lock.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS mission_sessions (
	mission_id       TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	site_id          TEXT NOT NULL,
	mission_type     TEXT NOT NULL,
	answer           TEXT NOT NULL,
	hint             TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	max_submissions  INTEGER NOT NULL,
	submission_count INTEGER NOT NULL DEFAULT 0 CHECK (submission_count <= max_submissions),
	latest_judgment  JSONB,
	coupon_code      TEXT
);

CREATE TABLE IF NOT EXISTS submission_hashes (
	id          BIGSERIAL PRIMARY KEY,
	mission_id  TEXT NOT NULL REFERENCES mission_sessions(mission_id),
	user_id     TEXT NOT NULL,
	image_hash  TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS coupons (
	code           TEXT PRIMARY KEY,
	description    TEXT NOT NULL DEFAULT '',
	mission_id     TEXT UNIQUE,
	mission_type   TEXT NOT NULL,
	answer         TEXT NOT NULL,
	partner_id     TEXT NOT NULL DEFAULT '',
	discount_rule  TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'issued' CHECK (status IN ('issued', 'redeemed', 'expired')),
	issued_at      TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL,
	redeemed_at    TIMESTAMPTZ,
	partner_pos_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_mission_sessions_user ON mission_sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_submission_hashes_user_hash ON submission_hashes(user_id, image_hash);
CREATE INDEX IF NOT EXISTS idx_submission_hashes_mission ON submission_hashes(mission_id);
CREATE INDEX IF NOT EXISTS idx_coupons_status ON coupons(status);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// withKeyLock runs fn in a transaction that holds pg_advisory_xact_lock on key.
func (s *PostgresStore) withKeyLock(ctx context.Context, key string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return eris.Wrapf(err, "postgres: advisory lock %s", key)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.MissionSession) error {
	judgment, err := marshalJudgment(sess.LatestJudgment)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO mission_sessions (mission_id, user_id, site_id, mission_type, answer, hint, created_at, expires_at, max_submissions, submission_count, latest_judgment, coupon_code)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sess.MissionID, sess.UserID, sess.SiteID, string(sess.MissionType), sess.Answer, sess.Hint,
		sess.CreatedAt.UTC(), sess.ExpiresAt.UTC(), sess.MaxSubmissions, sess.SubmissionCount,
		jsonbArg(judgment.String, judgment.Valid), textArg(sess.CouponCode),
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "postgres: session %s already exists", sess.MissionID)
		}
		return eris.Wrapf(err, "postgres: insert session %s", sess.MissionID)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, missionID string) (*model.MissionSession, error) {
	var (
		sess        model.MissionSession
		missionType string
		judgment    []byte
		couponCode  *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT mission_id, user_id, site_id, mission_type, answer, hint, created_at, expires_at, max_submissions, submission_count, latest_judgment, coupon_code
		 FROM mission_sessions WHERE mission_id = $1`,
		missionID,
	).Scan(&sess.MissionID, &sess.UserID, &sess.SiteID, &missionType, &sess.Answer, &sess.Hint,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.MaxSubmissions, &sess.SubmissionCount, &judgment, &couponCode)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "session %s", missionID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", missionID)
	}
	sess.MissionType = model.MissionType(missionType)
	if couponCode != nil {
		sess.CouponCode = *couponCode
	}
	if len(judgment) > 0 {
		if sess.LatestJudgment, err = unmarshalJudgment(judgment); err != nil {
			return nil, err
		}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT image_hash FROM submission_hashes WHERE mission_id = $1 ORDER BY id`, missionID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list hashes %s", missionID)
	}
	hashes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: collect hashes %s", missionID)
	}
	sess.SubmittedHashes = hashes
	if sess.SubmittedHashes == nil {
		sess.SubmittedHashes = []string{}
	}
	return &sess, nil
}

func (s *PostgresStore) SaveSubmission(ctx context.Context, sess *model.MissionSession, hash string) error {
	judgment, err := marshalJudgment(sess.LatestJudgment)
	if err != nil {
		return err
	}
	return s.withKeyLock(ctx, "mission:"+sess.MissionID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE mission_sessions SET submission_count = $1, latest_judgment = $2
			 WHERE mission_id = $3 AND submission_count = $4 AND submission_count < max_submissions`,
			sess.SubmissionCount, jsonbArg(judgment.String, judgment.Valid), sess.MissionID, sess.SubmissionCount-1,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update session %s", sess.MissionID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrConflict, "no row updated for %s", sess.MissionID)
		}
		if hash == "" {
			return nil
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO submission_hashes (mission_id, user_id, image_hash) VALUES ($1, $2, $3)`,
			sess.MissionID, sess.UserID, hash,
		)
		return eris.Wrapf(err, "postgres: insert hash %s", sess.MissionID)
	})
}

func (s *PostgresStore) SetCouponCode(ctx context.Context, missionID, code string) error {
	return s.withKeyLock(ctx, "mission:"+missionID, func(tx pgx.Tx) error {
		var current *string
		err := tx.QueryRow(ctx,
			`SELECT coupon_code FROM mission_sessions WHERE mission_id = $1`, missionID,
		).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "session %s", missionID)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: read coupon code %s", missionID)
		}
		if current != nil {
			if *current == code {
				return nil
			}
			return eris.Wrapf(ErrConflict, "session %s already has a different coupon", missionID)
		}
		_, err = tx.Exec(ctx,
			`UPDATE mission_sessions SET coupon_code = $1 WHERE mission_id = $2`, code, missionID)
		return eris.Wrapf(err, "postgres: set coupon code %s", missionID)
	})
}

func (s *PostgresStore) HasSubmittedHash(ctx context.Context, userID, hash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM submission_hashes WHERE user_id = $1 AND image_hash = $2)`,
		userID, hash,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "postgres: lookup hash")
	}
	return exists, nil
}

// --- Coupons ---

func (s *PostgresStore) CreateCoupon(ctx context.Context, c *model.Coupon) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO coupons (`+couponColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.Code, c.Description, textArg(c.MissionID), string(c.MissionType), c.Answer, c.PartnerID,
		c.DiscountRule, string(c.Status), c.IssuedAt.UTC(), c.ExpiresAt.UTC(), c.RedeemedAt, c.PartnerPosID,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "postgres: coupon %s", c.Code)
		}
		return eris.Wrapf(err, "postgres: insert coupon %s", c.Code)
	}
	return nil
}

func (s *PostgresStore) GetCoupon(ctx context.Context, code string) (*model.Coupon, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code = $1`, code)
	c, err := scanPgCoupon(row)
	if err != nil {
		return nil, eris.Wrapf(err, "coupon %s", code)
	}
	return c, nil
}

func (s *PostgresStore) GetCouponByMission(ctx context.Context, missionID string) (*model.Coupon, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE mission_id = $1`, missionID)
	c, err := scanPgCoupon(row)
	if err != nil {
		return nil, eris.Wrapf(err, "coupon for mission %s", missionID)
	}
	return c, nil
}

func (s *PostgresStore) CouponCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM coupons WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "postgres: lookup coupon code")
	}
	return exists, nil
}

func (s *PostgresStore) TransitionCoupon(ctx context.Context, c *model.Coupon) error {
	return s.withKeyLock(ctx, "coupon:"+c.Code, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE coupons SET status = $1, redeemed_at = $2, partner_pos_id = $3 WHERE code = $4 AND status = $5`,
			string(c.Status), c.RedeemedAt, c.PartnerPosID, c.Code, string(model.CouponIssued),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: transition coupon %s", c.Code)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrConflict, "no row updated for %s", c.Code)
		}
		return nil
	})
}

func scanPgCoupon(row pgx.Row) (*model.Coupon, error) {
	var (
		c           model.Coupon
		missionID   *string
		missionType string
		status      string
	)
	err := row.Scan(&c.Code, &c.Description, &missionID, &missionType, &c.Answer, &c.PartnerID,
		&c.DiscountRule, &status, &c.IssuedAt, &c.ExpiresAt, &c.RedeemedAt, &c.PartnerPosID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan coupon")
	}
	if missionID != nil {
		c.MissionID = *missionID
	}
	c.MissionType = model.MissionType(missionType)
	c.Status = model.CouponStatus(status)
	return &c, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// textArg maps "" to SQL NULL.
func textArg(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jsonbArg(s string, valid bool) []byte {
	if !valid {
		return nil
	}
	return []byte(s)
}
