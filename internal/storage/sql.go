package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/federated-storage/economy/internal/models"
)

// sqlStore implements Store over sqlx for both the SQLite and PostgreSQL
// backends. All statements are written with ? placeholders and rebound to
// the driver's bindvar style.
type sqlStore struct {
	db           *sqlx.DB
	profileLocks *keyedMutex
	proofLocks   *keyedMutex
}

func newSQLStore(db *sqlx.DB) *sqlStore {
	return &sqlStore{
		db:           db,
		profileLocks: newKeyedMutex(),
		proofLocks:   newKeyedMutex(),
	}
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// --- row types ---

type profileRow struct {
	UserID             string       `db:"user_id"`
	TierKind           string       `db:"tier_kind"`
	Tier               string       `db:"tier"`
	TierExpiresAt      sql.NullTime `db:"tier_expires_at"`
	UsageBytes         int64        `db:"usage_bytes"`
	UploadUsedPeriod   int64        `db:"upload_used_period"`
	DownloadUsedPeriod int64        `db:"download_used_period"`
	PeriodStart        time.Time    `db:"period_start"`
	Reputation         float64      `db:"reputation"`
	VerificationStreak int          `db:"verification_streak"`
	LastActivity       time.Time    `db:"last_activity"`
	Anonymized         bool         `db:"anonymized"`
	Version            int64        `db:"version"`
}

type violationRow struct {
	UserID      string    `db:"user_id"`
	Seq         int       `db:"seq"`
	ViolationID string    `db:"violation_id"`
	Kind        string    `db:"kind"`
	Severity    string    `db:"severity"`
	Note        string    `db:"note"`
	Resolved    bool      `db:"resolved"`
	CreatedAt   time.Time `db:"created_at"`
}

type proofRow struct {
	ProofID               string    `db:"proof_id"`
	UserID                string    `db:"user_id"`
	StorageRegion         string    `db:"storage_region"`
	DeliveryPeer          string    `db:"delivery_peer"`
	RegionSeed            []byte    `db:"region_seed"`
	ClaimedBytes          int64     `db:"claimed_bytes"`
	VerifiedBytes         int64     `db:"verified_bytes"`
	LastVerifiedAt        time.Time `db:"last_verified_at"`
	NextVerificationDueAt time.Time `db:"next_verification_due_at"`
	Status                string    `db:"status"`
	StreakCount           int       `db:"streak_count"`
	ConsistencyScore      float64   `db:"consistency_score"`
	AvgResponseMs         float64   `db:"avg_response_ms"`
	Difficulty            int       `db:"difficulty"`
	ConsecutiveIndex      int       `db:"consecutive_index"`
}

type challengeRow struct {
	ChallengeID      string    `db:"challenge_id"`
	UserID           string    `db:"user_id"`
	ProofID          string    `db:"proof_id"`
	Nonce            []byte    `db:"nonce"`
	RegionOffset     int64     `db:"region_offset"`
	RegionLength     int64     `db:"region_length"`
	ExpectedDigest   []byte    `db:"expected_digest"`
	IssuedAt         time.Time `db:"issued_at"`
	ExpiresAt        time.Time `db:"expires_at"`
	Difficulty       int       `db:"difficulty"`
	ConsecutiveIndex int       `db:"consecutive_index"`
}

func profileFromRow(row profileRow, violations []violationRow) (*models.UserProfile, error) {
	tier, err := models.UnmarshalTier(models.TierKind(row.TierKind), []byte(row.Tier))
	if err != nil {
		return nil, err
	}
	p := &models.UserProfile{
		UserID:             row.UserID,
		Tier:               tier,
		UsageBytes:         row.UsageBytes,
		UploadUsedPeriod:   row.UploadUsedPeriod,
		DownloadUsedPeriod: row.DownloadUsedPeriod,
		PeriodStart:        row.PeriodStart,
		Reputation:         row.Reputation,
		VerificationStreak: row.VerificationStreak,
		LastActivity:       row.LastActivity,
		Anonymized:         row.Anonymized,
		Version:            row.Version,
	}
	for _, v := range violations {
		p.Violations = append(p.Violations, models.Violation{
			ID:        v.ViolationID,
			Kind:      models.ViolationKind(v.Kind),
			Severity:  models.ViolationSeverity(v.Severity),
			Timestamp: v.CreatedAt,
			Note:      v.Note,
			Resolved:  v.Resolved,
		})
	}
	return p, nil
}

func rowFromProfile(p *models.UserProfile) (profileRow, error) {
	kind, data, err := models.MarshalTier(p.Tier)
	if err != nil {
		return profileRow{}, err
	}
	row := profileRow{
		UserID:             p.UserID,
		TierKind:           string(kind),
		Tier:               string(data),
		UsageBytes:         p.UsageBytes,
		UploadUsedPeriod:   p.UploadUsedPeriod,
		DownloadUsedPeriod: p.DownloadUsedPeriod,
		PeriodStart:        p.PeriodStart.UTC(),
		Reputation:         p.Reputation,
		VerificationStreak: p.VerificationStreak,
		LastActivity:       p.LastActivity.UTC(),
		Anonymized:         p.Anonymized,
		Version:            p.Version,
	}
	if exp := models.TierExpiry(p.Tier); exp != nil {
		row.TierExpiresAt = sql.NullTime{Time: exp.UTC(), Valid: true}
	}
	return row, nil
}

func proofFromRow(row proofRow) *models.StorageProof {
	return &models.StorageProof{
		ProofID:               row.ProofID,
		UserID:                row.UserID,
		StorageRegion:         row.StorageRegion,
		DeliveryPeer:          row.DeliveryPeer,
		RegionSeed:            row.RegionSeed,
		ClaimedBytes:          row.ClaimedBytes,
		VerifiedBytes:         row.VerifiedBytes,
		LastVerifiedAt:        row.LastVerifiedAt,
		NextVerificationDueAt: row.NextVerificationDueAt,
		Status:                models.ProofStatus(row.Status),
		StreakCount:           row.StreakCount,
		ConsistencyScore:      row.ConsistencyScore,
		AvgResponseMs:         row.AvgResponseMs,
		Difficulty:            row.Difficulty,
		ConsecutiveIndex:      row.ConsecutiveIndex,
	}
}

func challengeFromRow(row challengeRow) models.Challenge {
	return models.Challenge{
		ChallengeID:      row.ChallengeID,
		UserID:           row.UserID,
		ProofID:          row.ProofID,
		Nonce:            row.Nonce,
		RegionOffset:     row.RegionOffset,
		RegionLength:     row.RegionLength,
		ExpectedDigest:   row.ExpectedDigest,
		IssuedAt:         row.IssuedAt,
		ExpiresAt:        row.ExpiresAt,
		Difficulty:       row.Difficulty,
		ConsecutiveIndex: row.ConsecutiveIndex,
	}
}

// --- profiles ---

const profileColumns = `user_id, tier_kind, tier, tier_expires_at, usage_bytes,
 upload_used_period, download_used_period, period_start, reputation,
 verification_streak, last_activity, anonymized, version`

func (s *sqlStore) LoadProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	return s.loadProfileQ(ctx, s.db, userID)
}

func (s *sqlStore) loadProfileQ(ctx context.Context, q sqlx.QueryerContext, userID string) (*models.UserProfile, error) {
	var row profileRow
	err := sqlx.GetContext(ctx, q, &row,
		s.db.Rebind(`SELECT `+profileColumns+` FROM profiles WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	var violations []violationRow
	err = sqlx.SelectContext(ctx, q, &violations,
		s.db.Rebind(`SELECT user_id, seq, violation_id, kind, severity, note, resolved, created_at
		 FROM violations WHERE user_id = ? ORDER BY seq`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load violations: %w", err)
	}

	return profileFromRow(row, violations)
}

func (s *sqlStore) PutProfile(ctx context.Context, p *models.UserProfile) error {
	s.profileLocks.Lock(p.UserID)
	defer s.profileLocks.Unlock(p.UserID)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.writeProfile(ctx, tx, p, false); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateProfile implements read-modify-write under per-user exclusion with
// an optimistic version check for multi-process deployments. The new state
// is durable before the call returns; a crash mid-update leaves the
// pre-update state visible.
func (s *sqlStore) UpdateProfile(ctx context.Context, userID string, fn func(*models.UserProfile) error) error {
	s.profileLocks.Lock(userID)
	defer s.profileLocks.Unlock(userID)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p, err := s.loadProfileQ(ctx, tx, userID)
	if err != nil {
		return err
	}
	if err := fn(p); err != nil {
		return err
	}
	if err := s.writeProfile(ctx, tx, p, true); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) writeProfile(ctx context.Context, tx *sqlx.Tx, p *models.UserProfile, checkVersion bool) error {
	row, err := rowFromProfile(p)
	if err != nil {
		return err
	}

	if checkVersion {
		res, err := tx.ExecContext(ctx, s.db.Rebind(
			`UPDATE profiles SET tier_kind = ?, tier = ?, tier_expires_at = ?, usage_bytes = ?,
			 upload_used_period = ?, download_used_period = ?, period_start = ?, reputation = ?,
			 verification_streak = ?, last_activity = ?, anonymized = ?, version = version + 1
			 WHERE user_id = ? AND version = ?`),
			row.TierKind, row.Tier, row.TierExpiresAt, row.UsageBytes,
			row.UploadUsedPeriod, row.DownloadUsedPeriod, row.PeriodStart, row.Reputation,
			row.VerificationStreak, row.LastActivity, row.Anonymized,
			row.UserID, row.Version)
		if err != nil {
			return fmt.Errorf("failed to update profile: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			return ErrConflict
		}
	} else {
		_, err := tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO profiles (`+profileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (user_id) DO UPDATE SET
			 tier_kind = excluded.tier_kind, tier = excluded.tier,
			 tier_expires_at = excluded.tier_expires_at, usage_bytes = excluded.usage_bytes,
			 upload_used_period = excluded.upload_used_period,
			 download_used_period = excluded.download_used_period,
			 period_start = excluded.period_start, reputation = excluded.reputation,
			 verification_streak = excluded.verification_streak,
			 last_activity = excluded.last_activity, anonymized = excluded.anonymized,
			 version = profiles.version + 1`),
			row.UserID, row.TierKind, row.Tier, row.TierExpiresAt, row.UsageBytes,
			row.UploadUsedPeriod, row.DownloadUsedPeriod, row.PeriodStart, row.Reputation,
			row.VerificationStreak, row.LastActivity, row.Anonymized, row.Version)
		if err != nil {
			return fmt.Errorf("failed to put profile: %w", err)
		}
	}

	return s.appendViolations(ctx, tx, p)
}

// appendViolations persists violations beyond the highest stored sequence
// number. Existing rows are never updated or deleted.
func (s *sqlStore) appendViolations(ctx context.Context, tx *sqlx.Tx, p *models.UserProfile) error {
	var count int
	err := tx.GetContext(ctx, &count,
		s.db.Rebind(`SELECT COUNT(*) FROM violations WHERE user_id = ?`), p.UserID)
	if err != nil {
		return fmt.Errorf("failed to count violations: %w", err)
	}
	for i := count; i < len(p.Violations); i++ {
		v := p.Violations[i]
		_, err := tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO violations (user_id, seq, violation_id, kind, severity, note, resolved, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			p.UserID, i, v.ID, string(v.Kind), string(v.Severity), v.Note, v.Resolved, v.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("failed to append violation: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) EnumerateDue(ctx context.Context, now time.Time, limit int) ([]DueVerification, error) {
	var rows []proofRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT pr.proof_id, pr.user_id, pr.storage_region, pr.delivery_peer, pr.region_seed,
		 pr.claimed_bytes, pr.verified_bytes, pr.last_verified_at, pr.next_verification_due_at,
		 pr.status, pr.streak_count, pr.consistency_score, pr.avg_response_ms,
		 pr.difficulty, pr.consecutive_index
		 FROM proofs pr
		 LEFT JOIN challenges c ON c.user_id = pr.user_id
		 WHERE pr.next_verification_due_at <= ?
		   AND pr.status IN ('pending', 'challenged', 'verified', 'failed')
		   AND c.challenge_id IS NULL
		 ORDER BY pr.next_verification_due_at
		 LIMIT ?`),
		now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate due proofs: %w", err)
	}

	var due []DueVerification
	for _, row := range rows {
		profile, err := s.LoadProfile(ctx, row.UserID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		due = append(due, DueVerification{Profile: profile, Proof: proofFromRow(row)})
	}
	return due, nil
}

func (s *sqlStore) ExpiredTierUsers(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var userIDs []string
	err := s.db.SelectContext(ctx, &userIDs, s.db.Rebind(
		`SELECT user_id FROM profiles
		 WHERE tier_expires_at IS NOT NULL AND tier_expires_at <= ?
		 ORDER BY tier_expires_at LIMIT ?`),
		now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired tiers: %w", err)
	}
	return userIDs, nil
}

// --- proofs ---

const proofColumns = `proof_id, user_id, storage_region, delivery_peer, region_seed,
 claimed_bytes, verified_bytes, last_verified_at, next_verification_due_at,
 status, streak_count, consistency_score, avg_response_ms, difficulty, consecutive_index`

func (s *sqlStore) LoadProof(ctx context.Context, proofID string) (*models.StorageProof, error) {
	return s.loadProofWhere(ctx, `proof_id = ?`, proofID)
}

func (s *sqlStore) LoadProofByUser(ctx context.Context, userID string) (*models.StorageProof, error) {
	return s.loadProofWhere(ctx, `user_id = ?`, userID)
}

func (s *sqlStore) loadProofWhere(ctx context.Context, where, arg string) (*models.StorageProof, error) {
	var row proofRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT `+proofColumns+` FROM proofs WHERE `+where), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load proof: %w", err)
	}
	return proofFromRow(row), nil
}

func (s *sqlStore) PutProof(ctx context.Context, p *models.StorageProof) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO proofs (`+proofColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (proof_id) DO UPDATE SET
		 storage_region = excluded.storage_region, delivery_peer = excluded.delivery_peer,
		 claimed_bytes = excluded.claimed_bytes, verified_bytes = excluded.verified_bytes,
		 last_verified_at = excluded.last_verified_at,
		 next_verification_due_at = excluded.next_verification_due_at,
		 status = excluded.status, streak_count = excluded.streak_count,
		 consistency_score = excluded.consistency_score, avg_response_ms = excluded.avg_response_ms,
		 difficulty = excluded.difficulty, consecutive_index = excluded.consecutive_index`),
		p.ProofID, p.UserID, p.StorageRegion, p.DeliveryPeer, p.RegionSeed,
		p.ClaimedBytes, p.VerifiedBytes, p.LastVerifiedAt.UTC(), p.NextVerificationDueAt.UTC(),
		string(p.Status), p.StreakCount, p.ConsistencyScore, p.AvgResponseMs,
		p.Difficulty, p.ConsecutiveIndex)
	if err != nil {
		return fmt.Errorf("failed to put proof: %w", err)
	}
	return nil
}

func (s *sqlStore) UpdateProof(ctx context.Context, proofID string, fn func(*models.StorageProof) error) error {
	s.proofLocks.Lock(proofID)
	defer s.proofLocks.Unlock(proofID)

	p, err := s.LoadProof(ctx, proofID)
	if err != nil {
		return err
	}
	if err := fn(p); err != nil {
		return err
	}
	return s.PutProof(ctx, p)
}

func (s *sqlStore) DeleteProofByUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Drop the nonce history and any live challenge along with the proof.
	_, err = tx.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM proof_nonces WHERE proof_id IN (SELECT proof_id FROM proofs WHERE user_id = ?)`), userID)
	if err != nil {
		return fmt.Errorf("failed to delete proof nonces: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM challenges WHERE user_id = ?`), userID)
	if err != nil {
		return fmt.Errorf("failed to delete challenges: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM proofs WHERE user_id = ?`), userID)
	if err != nil {
		return fmt.Errorf("failed to delete proof: %w", err)
	}
	return tx.Commit()
}

func (s *sqlStore) RecordNonce(ctx context.Context, proofID string, nonce []byte) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO proof_nonces (proof_id, nonce) VALUES (?, ?) ON CONFLICT DO NOTHING`),
		proofID, nonce)
	if err != nil {
		return fmt.Errorf("failed to record nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNonceReuse
	}
	return nil
}

// --- challenges ---

const challengeColumns = `challenge_id, user_id, proof_id, nonce, region_offset,
 region_length, expected_digest, issued_at, expires_at, difficulty, consecutive_index`

func (s *sqlStore) PutChallenge(ctx context.Context, c *models.Challenge) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO challenges (`+challengeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`),
		c.ChallengeID, c.UserID, c.ProofID, c.Nonce, c.RegionOffset,
		c.RegionLength, c.ExpectedDigest, c.IssuedAt.UTC(), c.ExpiresAt.UTC(),
		c.Difficulty, c.ConsecutiveIndex)
	if err != nil {
		return fmt.Errorf("failed to put challenge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqlStore) LoadChallenge(ctx context.Context, challengeID string) (*models.Challenge, error) {
	var row challengeRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT `+challengeColumns+` FROM challenges WHERE challenge_id = ?`), challengeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}
	c := challengeFromRow(row)
	return &c, nil
}

func (s *sqlStore) DeleteChallenge(ctx context.Context, challengeID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM challenges WHERE challenge_id = ?`), challengeID)
	if err != nil {
		return false, fmt.Errorf("failed to delete challenge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) LiveChallengeForUser(ctx context.Context, userID string) (*models.Challenge, error) {
	var row challengeRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT `+challengeColumns+` FROM challenges WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load live challenge: %w", err)
	}
	c := challengeFromRow(row)
	return &c, nil
}

func (s *sqlStore) ExpiredChallenges(ctx context.Context, now time.Time, limit int) ([]models.Challenge, error) {
	var rows []challengeRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT `+challengeColumns+` FROM challenges WHERE expires_at <= ? ORDER BY expires_at LIMIT ?`),
		now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired challenges: %w", err)
	}
	challenges := make([]models.Challenge, 0, len(rows))
	for _, row := range rows {
		challenges = append(challenges, challengeFromRow(row))
	}
	return challenges, nil
}
