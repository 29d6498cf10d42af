// Package sequence issues document numbers from company-scoped numerators.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cadenza-erp/cadenza-erp/internal/shared"
)

// Sequencer issues monotonically-ordered document numbers. The generator is
// not inherently collision-free against restored or re-created records, so
// consumers must still verify uniqueness of the result.
type Sequencer interface {
	Next(ctx context.Context, sequenceID int64, date time.Time) (string, error)
}

// Sequence describes a numerator configuration. Prefix may contain a
// "{year}" token replaced with the issue date's year.
type Sequence struct {
	ID         int64  `json:"id" db:"id"`
	Name       string `json:"name" db:"name"`
	Prefix     string `json:"prefix" db:"prefix"`
	Padding    int    `json:"padding" db:"padding"`
	NextNumber int64  `json:"next_number" db:"next_number"`
	// YearlyReset restarts numbering at 1 when the issue year changes.
	YearlyReset bool  `json:"yearly_reset" db:"yearly_reset"`
	LastYear    int   `json:"last_year" db:"last_year"`
	CompanyID   int64 `json:"company_id" db:"company_id"`
}

// Format renders a counter value using the sequence's prefix and padding.
func (s Sequence) Format(n int64, date time.Time) string {
	prefix := strings.ReplaceAll(s.Prefix, "{year}", fmt.Sprintf("%04d", date.Year()))
	padding := s.Padding
	if padding <= 0 {
		padding = 5
	}
	return fmt.Sprintf("%s%0*d", prefix, padding, n)
}

// Repository issues numbers from PostgreSQL backed numerators.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get retrieves a numerator configuration.
func (r *Repository) Get(ctx context.Context, id int64) (*Sequence, error) {
	query := `
		SELECT id, name, prefix, padding, next_number, yearly_reset, last_year, company_id
		FROM sequences
		WHERE id = $1
	`
	var s Sequence
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.Name, &s.Prefix, &s.Padding, &s.NextNumber,
		&s.YearlyReset, &s.LastYear, &s.CompanyID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// Next consumes and returns the next number of the sequence for the given
// issue date. The row update is atomic; the yearly reset is applied in the
// same statement.
func (r *Repository) Next(ctx context.Context, sequenceID int64, date time.Time) (string, error) {
	query := `
		UPDATE sequences
		SET next_number = CASE
		        WHEN yearly_reset AND last_year <> $2 THEN 2
		        ELSE next_number + 1
		    END,
		    last_year = CASE WHEN yearly_reset THEN $2 ELSE last_year END
		WHERE id = $1
		RETURNING next_number - 1, prefix, padding
	`
	var n int64
	var prefix string
	var padding int
	err := r.pool.QueryRow(ctx, query, sequenceID, date.Year()).Scan(&n, &prefix, &padding)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", shared.ErrNotFound
		}
		return "", fmt.Errorf("sequence: next %d: %w", sequenceID, err)
	}
	s := Sequence{Prefix: prefix, Padding: padding}
	return s.Format(n, date), nil
}
