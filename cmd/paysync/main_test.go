package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	secs, err := parseSchedule("1700000000")
	require.NoError(t, err)
	assert.Equal(t, uint64(1700000000), secs)

	secs, err = parseSchedule("1970-01-01T00:01:40Z")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), secs)

	_, err = parseSchedule("")
	require.Error(t, err)
	_, err = parseSchedule("tomorrow")
	require.Error(t, err)
	_, err = parseSchedule("1960-01-01T00:00:00Z")
	require.Error(t, err)
}

func TestFormatSchedule(t *testing.T) {
	assert.Equal(t, "1970-01-01T00:01:40Z", formatSchedule(100))
	assert.Equal(t, "18446744073709551615", formatSchedule(^uint64(0)))
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"3", "1,2", " 5 ,"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 1, 2, 5}, ids)

	_, err = parseIDs([]string{"x"})
	require.Error(t, err)
}

func TestEnvFile(t *testing.T) {
	assert.Equal(t, ".env", envFile(""))
	assert.Equal(t, "ws/.env", envFile("ws"))
}
