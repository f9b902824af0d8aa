package utils

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"time"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// StableHash maps input to an unsigned integer using SHA-256. The value is
// identical across processes and releases.
func StableHash(input string) uint64 {
	sum := sha256.Sum256([]byte(input))
	return binary.BigEndian.Uint64(sum[:8])
}

// QueryKey derives a deterministic cache key for a logical query. Dimension
// order does not affect the key.
func QueryKey(name string, start, end time.Time, dimensions map[string]string) string {
	keys := make([]string, 0, len(dimensions))
	for k := range dimensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(dimensions[k])
	}

	signature := fmt.Sprintf("%s|%s|%s|%s",
		name,
		start.UTC().Format(time.RFC3339Nano),
		end.UTC().Format(time.RFC3339Nano),
		b.String(),
	)

	return name + ":" + HashString(signature)
}
