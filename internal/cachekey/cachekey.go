// Package cachekey derives the content-addressed key for the result cache.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// For computes a stable hash of a question and its parameter binding. The
// parameters are folded in sorted key order so map iteration order never
// changes the key.
func For(question string, params map[string]any) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(strings.ToLower(question))))

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%v", k, params[k])
	}

	return hex.EncodeToString(h.Sum(nil))
}
