package feeds

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/glebarez/sqlite"

	"loanledger/native/lending"
)

// Store persists price feed rounds and serves the latest one to the ledger.
type Store struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("feed store path must be configured")
	// ErrInvalidRound rejects rounds that could never pass valuation.
	ErrInvalidRound = errors.New("feed round is invalid")
)

// FileDSN turns a filesystem path into a DSN with WAL journaling and a busy
// timeout so readers do not block the publishing writer.
func FileDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
}

// Open initialises the store using a sqlite-compatible DSN.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS feed_rounds (
    feed TEXT NOT NULL,
    round_id INTEGER NOT NULL,
    price TEXT NOT NULL,
    decimals INTEGER NOT NULL,
    started_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    answered_in_round INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL,
    PRIMARY KEY (feed, round_id)
);
`

// PublishRound records a new answer for feed and returns its round id. Round
// ids start at 1 and increase by one per feed.
func (s *Store) PublishRound(ctx context.Context, feed common.Address, price *big.Int, decimals uint8, at time.Time) (uint64, error) {
	if s == nil || s.db == nil {
		return 0, ErrPathRequired
	}
	if feed == (common.Address{}) {
		return 0, fmt.Errorf("%w: feed address required", ErrInvalidRound)
	}
	if price == nil || price.Sign() <= 0 {
		return 0, fmt.Errorf("%w: price must be positive", ErrInvalidRound)
	}
	if at.IsZero() || at.Unix() <= 0 {
		return 0, fmt.Errorf("%w: timestamp required", ErrInvalidRound)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var last sql.NullInt64
	key := feedKey(feed)
	if err := tx.QueryRowContext(ctx, `SELECT MAX(round_id) FROM feed_rounds WHERE feed = ?`, key).Scan(&last); err != nil {
		return 0, fmt.Errorf("next round: %w", err)
	}
	roundID := uint64(1)
	if last.Valid {
		roundID = uint64(last.Int64) + 1
	}
	ts := at.Unix()
	_, err = tx.ExecContext(ctx, `INSERT INTO feed_rounds (feed, round_id, price, decimals, started_at, updated_at, answered_in_round, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, key, int64(roundID), price.String(), int(decimals), ts, ts, int64(roundID), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert round: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit round: %w", err)
	}
	return roundID, nil
}

// LatestRound implements lending.PriceSource. A feed with no rounds reports
// lending.ErrPriceFeedUnavailable.
func (s *Store) LatestRound(ctx context.Context, feed common.Address) (lending.RoundData, error) {
	if s == nil || s.db == nil {
		return lending.RoundData{}, lending.ErrPriceFeedUnavailable
	}
	row := s.db.QueryRowContext(ctx, `SELECT round_id, price, decimals, started_at, updated_at, answered_in_round
FROM feed_rounds WHERE feed = ? ORDER BY round_id DESC LIMIT 1`, feedKey(feed))
	round, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return lending.RoundData{}, fmt.Errorf("%w: no rounds for %s", lending.ErrPriceFeedUnavailable, feed.Hex())
	}
	return round, err
}

// Rounds returns up to limit of the most recent rounds for feed, newest first.
func (s *Store) Rounds(ctx context.Context, feed common.Address, limit int) ([]lending.RoundData, error) {
	if s == nil || s.db == nil {
		return nil, ErrPathRequired
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT round_id, price, decimals, started_at, updated_at, answered_in_round
FROM feed_rounds WHERE feed = ? ORDER BY round_id DESC LIMIT ?`, feedKey(feed), limit)
	if err != nil {
		return nil, fmt.Errorf("query rounds: %w", err)
	}
	defer rows.Close()
	var out []lending.RoundData
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, round)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRound(row scanner) (lending.RoundData, error) {
	var (
		roundID, answered    int64
		priceText            string
		decimals             int
		startedAt, updatedAt int64
	)
	if err := row.Scan(&roundID, &priceText, &decimals, &startedAt, &updatedAt, &answered); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lending.RoundData{}, err
		}
		return lending.RoundData{}, fmt.Errorf("%w: %v", lending.ErrPriceFeedUnavailable, err)
	}
	price, ok := new(big.Int).SetString(priceText, 10)
	if !ok {
		return lending.RoundData{}, fmt.Errorf("%w: stored price %q", lending.ErrInvalidPriceData, priceText)
	}
	return lending.RoundData{
		RoundID:         uint64(roundID),
		Price:           price,
		StartedAt:       clampUnix(startedAt),
		UpdatedAt:       clampUnix(updatedAt),
		AnsweredInRound: uint64(answered),
		Decimals:        uint8(decimals),
	}, nil
}

func feedKey(feed common.Address) string {
	return strings.ToLower(feed.Hex())
}

func clampUnix(ts int64) uint64 {
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}
