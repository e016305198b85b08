package repository

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Float8 conversion helpers (for DOUBLE PRECISION columns)

func floatToFloat8(f float64) pgtype.Float8 {
	return pgtype.Float8{Float64: f, Valid: true}
}

func float8ToFloat(f pgtype.Float8) float64 {
	if !f.Valid {
		return 0
	}
	return f.Float64
}

// Text conversion helpers

func textOrNull(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

func nullTextToString(t pgtype.Text) string {
	if !t.Valid {
		return ""
	}
	return t.String
}

// Timestamp conversion helpers

func timeToTimestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func timestamptzToTime(t pgtype.Timestamptz) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

// clampPage normalizes offset/limit pairs handed to list queries
func clampPage(offset, limit, max int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > max {
		limit = max
	}
	return offset, limit
}
