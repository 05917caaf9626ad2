package canonicalization

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIngestRunID(t *testing.T) {
	startedAt := time.Date(2024, 2, 1, 10, 30, 15, 0, time.UTC)

	id, err := GenerateIngestRunID(startedAt, 1)
	require.NoError(t, err)
	assert.Equal(t, "ing_20240201_103015Z_0001", id)
}

func TestGenerateIngestRunID_SequencePadding(t *testing.T) {
	startedAt := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	id, err := GenerateIngestRunID(startedAt, 42)
	require.NoError(t, err)
	assert.Equal(t, "ing_20240201_000000Z_0042", id)
}

func TestGenerateIngestRunID_Deterministic(t *testing.T) {
	startedAt := time.Date(2024, 2, 1, 10, 30, 15, 999_000_000, time.UTC)

	first, err := GenerateIngestRunID(startedAt, 3)
	require.NoError(t, err)

	second, err := GenerateIngestRunID(startedAt, 3)
	require.NoError(t, err)

	// Sub-second precision is dropped; same second + sequence = same id.
	assert.Equal(t, first, second)
}

func TestGenerateIngestRunID_RejectsSequenceBelowOne(t *testing.T) {
	startedAt := time.Date(2024, 2, 1, 10, 30, 15, 0, time.UTC)

	for _, sequence := range []int{0, -1} {
		_, err := GenerateIngestRunID(startedAt, sequence)
		assert.ErrorIs(t, err, ErrSequenceOutOfRange)
	}
}

func TestGenerateIngestRunID_RejectsNonUTC(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	startedAt := time.Date(2024, 2, 1, 10, 30, 15, 0, loc)

	_, err := GenerateIngestRunID(startedAt, 1)
	assert.ErrorIs(t, err, ErrTimestampNotUTC)
}
