package canonicalization

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for ingest-run ID generation.
var (
	// ErrSequenceOutOfRange is returned when the sequence number is below 1.
	ErrSequenceOutOfRange = errors.New("sequence must be >= 1")

	// ErrTimestampNotUTC is returned when the timestamp does not carry an
	// explicit UTC offset.
	ErrTimestampNotUTC = errors.New("timestamp must be in UTC")
)

// GenerateIngestRunID produces a deterministic ingestion run identifier in
// the format "ing_{YYYYMMDD_HHMMSS}Z_{sequence:04d}".
//
// The timestamp must be UTC (zero offset); the sequence disambiguates runs
// started within the same second and must be >= 1.
func GenerateIngestRunID(startedAt time.Time, sequence int) (string, error) {
	if sequence < 1 {
		return "", fmt.Errorf("%w: got %d", ErrSequenceOutOfRange, sequence)
	}

	if _, offset := startedAt.Zone(); offset != 0 {
		return "", ErrTimestampNotUTC
	}

	return fmt.Sprintf("ing_%sZ_%04d", startedAt.Format("20060102_150405"), sequence), nil
}
