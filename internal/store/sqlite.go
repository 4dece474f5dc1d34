package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/mission-council/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas apply per connection; one connection keeps them in force.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS mission_sessions (
	mission_id       TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	site_id          TEXT NOT NULL,
	mission_type     TEXT NOT NULL,
	answer           TEXT NOT NULL,
	hint             TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL,
	expires_at       DATETIME NOT NULL,
	max_submissions  INTEGER NOT NULL,
	submission_count INTEGER NOT NULL DEFAULT 0,
	latest_judgment  TEXT,
	coupon_code      TEXT
);

CREATE TABLE IF NOT EXISTS submission_hashes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	mission_id  TEXT NOT NULL REFERENCES mission_sessions(mission_id),
	user_id     TEXT NOT NULL,
	image_hash  TEXT NOT NULL,
	recorded_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS coupons (
	code           TEXT PRIMARY KEY,
	description    TEXT NOT NULL DEFAULT '',
	mission_id     TEXT UNIQUE,
	mission_type   TEXT NOT NULL,
	answer         TEXT NOT NULL,
	partner_id     TEXT NOT NULL DEFAULT '',
	discount_rule  TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'issued',
	issued_at      DATETIME NOT NULL,
	expires_at     DATETIME NOT NULL,
	redeemed_at    DATETIME,
	partner_pos_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_mission_sessions_user ON mission_sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_submission_hashes_user_hash ON submission_hashes(user_id, image_hash);
CREATE INDEX IF NOT EXISTS idx_submission_hashes_mission ON submission_hashes(mission_id);
CREATE INDEX IF NOT EXISTS idx_coupons_status ON coupons(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.MissionSession) error {
	judgment, err := marshalJudgment(sess.LatestJudgment)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mission_sessions (mission_id, user_id, site_id, mission_type, answer, hint, created_at, expires_at, max_submissions, submission_count, latest_judgment, coupon_code)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.MissionID, sess.UserID, sess.SiteID, string(sess.MissionType), sess.Answer, sess.Hint,
		sess.CreatedAt.UTC(), sess.ExpiresAt.UTC(), sess.MaxSubmissions, sess.SubmissionCount,
		judgment, nullString(sess.CouponCode),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "sqlite: session %s already exists", sess.MissionID)
		}
		return eris.Wrapf(err, "sqlite: insert session %s", sess.MissionID)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, missionID string) (*model.MissionSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT mission_id, user_id, site_id, mission_type, answer, hint, created_at, expires_at, max_submissions, submission_count, latest_judgment, coupon_code
		 FROM mission_sessions WHERE mission_id = ?`,
		missionID,
	)

	var (
		sess        model.MissionSession
		missionType string
		judgment    sql.NullString
		couponCode  sql.NullString
	)
	err := row.Scan(&sess.MissionID, &sess.UserID, &sess.SiteID, &missionType, &sess.Answer, &sess.Hint,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.MaxSubmissions, &sess.SubmissionCount, &judgment, &couponCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "session %s", missionID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", missionID)
	}
	sess.MissionType = model.MissionType(missionType)
	sess.CouponCode = couponCode.String
	if judgment.Valid {
		if sess.LatestJudgment, err = unmarshalJudgment([]byte(judgment.String)); err != nil {
			return nil, err
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT image_hash FROM submission_hashes WHERE mission_id = ? ORDER BY id`, missionID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list hashes %s", missionID)
	}
	defer rows.Close() //nolint:errcheck

	sess.SubmittedHashes = []string{}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan hash")
		}
		sess.SubmittedHashes = append(sess.SubmittedHashes, h)
	}
	return &sess, eris.Wrap(rows.Err(), "sqlite: iterate hashes")
}

func (s *SQLiteStore) SaveSubmission(ctx context.Context, sess *model.MissionSession, hash string) error {
	judgment, err := marshalJudgment(sess.LatestJudgment)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE mission_sessions SET submission_count = ?, latest_judgment = ?
		 WHERE mission_id = ? AND submission_count = ? AND submission_count < max_submissions`,
		sess.SubmissionCount, judgment, sess.MissionID, sess.SubmissionCount-1,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session %s", sess.MissionID)
	}
	if err := expectOneRow(res, sess.MissionID); err != nil {
		return err
	}

	if hash != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO submission_hashes (mission_id, user_id, image_hash, recorded_at) VALUES (?, ?, ?, ?)`,
			sess.MissionID, sess.UserID, hash, time.Now().UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert hash %s", sess.MissionID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit submission")
}

func (s *SQLiteStore) SetCouponCode(ctx context.Context, missionID, code string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mission_sessions SET coupon_code = ?
		 WHERE mission_id = ? AND (coupon_code IS NULL OR coupon_code = ?)`,
		code, missionID, code,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set coupon code %s", missionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetSession(ctx, missionID); err != nil {
		return err
	}
	return eris.Wrapf(ErrConflict, "session %s already has a different coupon", missionID)
}

func (s *SQLiteStore) HasSubmittedHash(ctx context.Context, userID, hash string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM submission_hashes WHERE user_id = ? AND image_hash = ?)`,
		userID, hash,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: lookup hash")
	}
	return exists == 1, nil
}

// --- Coupons ---

const couponColumns = `code, description, mission_id, mission_type, answer, partner_id, discount_rule, status, issued_at, expires_at, redeemed_at, partner_pos_id`

func (s *SQLiteStore) CreateCoupon(ctx context.Context, c *model.Coupon) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO coupons (`+couponColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Code, c.Description, nullString(c.MissionID), string(c.MissionType), c.Answer, c.PartnerID,
		c.DiscountRule, string(c.Status), c.IssuedAt.UTC(), c.ExpiresAt.UTC(), nullTime(c.RedeemedAt), c.PartnerPosID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "sqlite: coupon %s", c.Code)
		}
		return eris.Wrapf(err, "sqlite: insert coupon %s", c.Code)
	}
	return nil
}

func (s *SQLiteStore) GetCoupon(ctx context.Context, code string) (*model.Coupon, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code = ?`, code)
	c, err := scanCoupon(row)
	if err != nil {
		return nil, eris.Wrapf(err, "coupon %s", code)
	}
	return c, nil
}

func (s *SQLiteStore) GetCouponByMission(ctx context.Context, missionID string) (*model.Coupon, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE mission_id = ?`, missionID)
	c, err := scanCoupon(row)
	if err != nil {
		return nil, eris.Wrapf(err, "coupon for mission %s", missionID)
	}
	return c, nil
}

func (s *SQLiteStore) CouponCodeExists(ctx context.Context, code string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM coupons WHERE code = ?)`, code).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: lookup coupon code")
	}
	return exists == 1, nil
}

func (s *SQLiteStore) TransitionCoupon(ctx context.Context, c *model.Coupon) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE coupons SET status = ?, redeemed_at = ?, partner_pos_id = ? WHERE code = ? AND status = ?`,
		string(c.Status), nullTime(c.RedeemedAt), c.PartnerPosID, c.Code, string(model.CouponIssued),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition coupon %s", c.Code)
	}
	return expectOneRow(res, c.Code)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCoupon(row scannable) (*model.Coupon, error) {
	var (
		c           model.Coupon
		missionID   sql.NullString
		missionType string
		status      string
		redeemedAt  sql.NullTime
	)
	err := row.Scan(&c.Code, &c.Description, &missionID, &missionType, &c.Answer, &c.PartnerID,
		&c.DiscountRule, &status, &c.IssuedAt, &c.ExpiresAt, &redeemedAt, &c.PartnerPosID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan coupon")
	}
	c.MissionID = missionID.String
	c.MissionType = model.MissionType(missionType)
	c.Status = model.CouponStatus(status)
	if redeemedAt.Valid {
		t := redeemedAt.Time
		c.RedeemedAt = &t
	}
	return &c, nil
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrConflict, "no row updated for %s", id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func marshalJudgment(o *model.SubmissionOutcome) (sql.NullString, error) {
	if o == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return sql.NullString{}, eris.Wrap(err, "store: marshal judgment")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJudgment(b []byte) (*model.SubmissionOutcome, error) {
	var o model.SubmissionOutcome
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal judgment")
	}
	return &o, nil
}
