package sequence

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatCode(t *testing.T) {
	require.Equal(t, "REF-261018-001AB", FormatCode("REF", "261018", 1, "AB"))
	require.Equal(t, "STK-261018-00ZXY", FormatCode("STK", "261018", 35, "XY"))
	require.Equal(t, "STK-261018-RS9QZ", FormatCode("STK", "261018", 36*36*27+36*28+9, "QZ"))
}

func TestRandomAlphaNumeric(t *testing.T) {
	s, err := randomAlphaNumeric(8)
	require.NoError(t, err)
	require.Len(t, s, 8)
	for _, c := range s {
		require.True(t, strings.ContainsRune("ABCDEFGHJKLMNPQRSTUVWXYZ23456789", c))
	}
}
