package sqlite

import (
	"database/sql"
	"encoding/binary"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
)

const timeLayout = time.RFC3339Nano

func nowUTC() time.Time { return time.Now().UTC() }

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Accept second-precision stamps written by external tooling.
		if t2, err2 := time.Parse(time.RFC3339, s); err2 == nil {
			return t2.UTC()
		}
		return time.Time{}
	}
	return t.UTC()
}

func parseDecimal(s string, logger zerolog.Logger) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		logger.Warn().Str("value", s).Msg("Unparseable decimal column, treating as zero")
		return decimal.Zero
	}
	return d
}

func nullDecimal(ns sql.NullString, logger zerolog.Logger) (decimal.Decimal, bool) {
	if !ns.Valid {
		return decimal.Zero, false
	}
	return parseDecimal(ns.String, logger), true
}

// decodeStringMapColumn applies the repository-layer JSON normalization rule
// and logs the contract's warning on parse failure.
func decodeStringMapColumn(raw interface{}, column string, logger zerolog.Logger) map[string]string {
	m, ok := relationaldb.DecodeStringMap(raw)
	if !ok {
		logger.Warn().Str("column", column).Msg("Unparseable JSON column, returning empty map")
	}
	return m
}

func decodeValueMapColumn(raw interface{}, column string, logger zerolog.Logger) map[string]interface{} {
	m, ok := relationaldb.DecodeValueMap(raw)
	if !ok {
		logger.Warn().Str("column", column).Msg("Unparseable JSON column, returning empty map")
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeVector serializes a float32 vector as a little-endian blob.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector deserializes a little-endian float32 blob.
func decodeVector(raw []byte) []float32 {
	n := len(raw) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}
