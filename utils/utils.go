package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// filters values from a slice
func Filter[T any](s []T, f func(T) bool) []T {
	var r []T
	for _, v := range s {
		if f(v) {
			r = append(r, v)
		}
	}
	return r
}

var pubkeyRegex = regexp.MustCompile(`^[0-9a-fA-F]+$`)

var ErrMissingPubkey = errors.New("missing pubkey")

// SplitPubkeyHost splits visitor input of the form "pubkey" or
// "pubkey@host:port". Whitespace is trimmed first; more than one "@" is a
// format error. Length validation of the pubkey is left to the caller.
func SplitPubkeyHost(input string) (pubkey, host string, err error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", "", ErrMissingPubkey
	}

	parts := strings.Split(input, "@")
	if len(parts) > 2 {
		return "", "", fmt.Errorf("invalid format, expected pubkey@host:port")
	}

	pubkey = strings.ToLower(strings.TrimSpace(parts[0]))
	if pubkey == "" {
		return "", "", ErrMissingPubkey
	}
	if !pubkeyRegex.MatchString(pubkey) {
		return "", "", fmt.Errorf("pubkey must be hex encoded")
	}

	if len(parts) == 2 {
		host = strings.TrimSpace(parts[1])
		if host == "" {
			return "", "", fmt.Errorf("invalid format, expected pubkey@host:port")
		}
	}

	return pubkey, host, nil
}
