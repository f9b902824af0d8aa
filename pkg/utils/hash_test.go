package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueryKeyDeterministic(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(7 * 24 * time.Hour)

	a := QueryKey("usage_statistics", start, end, map[string]string{"message_type": "pdf", "group_by": "hour"})
	b := QueryKey("usage_statistics", start, end, map[string]string{"group_by": "hour", "message_type": "pdf"})
	assert.Equal(t, a, b)
	assert.Contains(t, a, "usage_statistics:")

	c := QueryKey("usage_statistics", start, end.Add(time.Second), nil)
	assert.NotEqual(t, a, c)

	// same instant in another zone maps to the same key
	loc := time.FixedZone("UTC+3", 3*3600)
	d := QueryKey("usage_statistics", start.In(loc), end.Add(time.Second).In(loc), nil)
	assert.Equal(t, c, d)
}

func TestStableHash(t *testing.T) {
	assert.Equal(t, StableHash("+15550001111"), StableHash("+15550001111"))
	assert.NotEqual(t, StableHash("+15550001111"), StableHash("+15550001112"))
}
