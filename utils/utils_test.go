package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPubkeyHost(t *testing.T) {
	t.Parallel()

	validPubkey := "02a1633cafcc01ebfb6d78e39f687a1f0995c62fc95f51ead10a02ee0be551b5dc"

	testCases := []struct {
		name           string
		input          string
		expectedPubkey string
		expectedHost   string
		expectedError  string
	}{
		{
			name:           "pubkey only",
			input:          validPubkey,
			expectedPubkey: validPubkey,
		},
		{
			name:           "pubkey with host",
			input:          validPubkey + "@192.0.2.10:9735",
			expectedPubkey: validPubkey,
			expectedHost:   "192.0.2.10:9735",
		},
		{
			name:           "surrounding whitespace is trimmed",
			input:          "  " + validPubkey + " @ 192.0.2.10:9735 ",
			expectedPubkey: validPubkey,
			expectedHost:   "192.0.2.10:9735",
		},
		{
			name:           "uppercase pubkey is lowercased",
			input:          strings.ToUpper(validPubkey),
			expectedPubkey: validPubkey,
		},
		{
			name:          "empty input",
			input:         "   ",
			expectedError: "missing pubkey",
		},
		{
			name:          "only a host",
			input:         "@192.0.2.10:9735",
			expectedError: "missing pubkey",
		},
		{
			name:          "two at signs",
			input:         "a@b@c",
			expectedError: "invalid format, expected pubkey@host:port",
		},
		{
			name:          "empty host after at sign",
			input:         validPubkey + "@",
			expectedError: "invalid format, expected pubkey@host:port",
		},
		{
			name:          "non-hex pubkey",
			input:         "zz1633cafcc01ebfb6d78e39f687a1f0995c62fc95f51ead10a02ee0be551b5dc",
			expectedError: "pubkey must be hex encoded",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pubkey, host, err := SplitPubkeyHost(tc.input)
			if tc.expectedError != "" {
				require.EqualError(t, err, tc.expectedError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectedPubkey, pubkey)
			assert.Equal(t, tc.expectedHost, host)
		})
	}
}

func TestFilter(t *testing.T) {
	t.Parallel()

	values := []int{1, 2, 3, 4, 5}
	even := Filter(values, func(v int) bool { return v%2 == 0 })
	assert.Equal(t, []int{2, 4}, even)

	none := Filter(values, func(v int) bool { return v > 10 })
	assert.Nil(t, none)
}
