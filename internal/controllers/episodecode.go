package controllers

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DecodeEpisodeCode splits a legacy combined episode number into season and episode.
// Codes below 100 belong to season 1. Larger codes are split at half their decimal
// length, so 205 is S2E05 and 1012 is S10E12.
func DecodeEpisodeCode(code int) (season, episode int, ok bool) {
	if code < 0 {
		return 0, 0, false
	}
	if code < 100 {
		return 1, code, true
	}

	digits := strconv.Itoa(code)
	half := len(digits) / 2

	season, err := strconv.Atoi(digits[:half])
	if err != nil {
		return 0, 0, false
	}
	episode, err = strconv.Atoi(digits[half:])
	if err != nil {
		return 0, 0, false
	}
	return season, episode, true
}

// foldTitle normalizes a title for case-insensitive comparison
func foldTitle(title string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(title)))
}

// sameDay reports whether two timestamps fall on the same calendar day,
// each read in its own location
func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
