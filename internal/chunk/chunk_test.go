package chunk

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/mrzor/kvp-bridge/internal/kvperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = "DevSetup{10000000-1000-1000-1000-100000000000}"

func TestSplit_ScenarioA(t *testing.T) {
	parts, err := Split(testID, "ABCDEFGHIJ", 3)
	require.NoError(t, err)
	require.Len(t, parts, 4)

	wantValues := []string{"ABC", "DEF", "GHI", "J"}
	wantSuffixes := []string{"~1~4", "~2~4", "~3~4", "~4~4"}
	for i, p := range parts {
		assert.Equal(t, wantValues[i], p.Value)
		assert.True(t, strings.HasSuffix(p.Key.String(), wantSuffixes[i]), "key %s", p.Key)
		assert.Equal(t, testID, p.Key.MessageID)
	}
}

func TestSplit_SingleChunkStillIndexed(t *testing.T) {
	parts, err := Split(testID, "short", 1000)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, testID+"~1~1", parts[0].Key.String())
	assert.Equal(t, "short", parts[0].Value)
}

func TestSplit_EmptyText(t *testing.T) {
	parts, err := Split(testID, "", 10)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, 1, parts[0].Key.Total)
	assert.Empty(t, parts[0].Value)
}

func TestSplit_InvalidArguments(t *testing.T) {
	tests := []struct {
		name string
		id   string
		size int
	}{
		{name: "zero size", id: testID, size: 0},
		{name: "negative size", id: testID, size: -5},
		{name: "empty id", id: "", size: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Split(tt.id, "payload", tt.size)
			require.Error(t, err)
			assert.ErrorIs(t, err, kvperr.ErrInvalidArgument)
		})
	}
}

func TestSplit_DoesNotBreakRunes(t *testing.T) {
	text := "héllo wörld ✓ ünïcode"
	parts, err := Split(testID, text, 4)
	require.NoError(t, err)

	for _, p := range parts {
		assert.LessOrEqual(t, len([]rune(p.Value)), 4)
		assert.True(t, isValidUTF8(p.Value), "part %s splits a rune", p.Key)
	}
}

func isValidUTF8(s string) bool {
	return strings.ToValidUTF8(s, "�") == s
}

func TestSplitJoin_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []rune("abcXYZ012~{}\n\"é✓")

	for trial := 0; trial < 200; trial++ {
		n := rng.Intn(300)
		buf := make([]rune, n)
		for i := range buf {
			buf[i] = alphabet[rng.Intn(len(alphabet))]
		}
		text := string(buf)
		size := rng.Intn(40) + 1

		parts, err := Split(testID, text, size)
		require.NoError(t, err)

		rng.Shuffle(len(parts), func(i, j int) { parts[i], parts[j] = parts[j], parts[i] })

		got, err := Join(parts)
		require.NoError(t, err)
		require.Equal(t, text, got, "size=%d", size)
	}
}

func TestJoin_Incomplete(t *testing.T) {
	parts, err := Split(testID, "ABCDEFGHIJ", 3)
	require.NoError(t, err)

	_, err = Join(parts[:3])
	assert.ErrorIs(t, err, kvperr.ErrIncompletePartSet)

	_, err = Join(nil)
	assert.ErrorIs(t, err, kvperr.ErrIncompletePartSet)
}

func TestJoin_MixedTotals(t *testing.T) {
	parts := []Part{
		{Key: Key{MessageID: testID, Index: 1, Total: 2}, Value: "a"},
		{Key: Key{MessageID: testID, Index: 2, Total: 3}, Value: "b"},
	}
	_, err := Join(parts)
	assert.ErrorIs(t, err, kvperr.ErrInconsistentPartTotal)
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		want    Key
		wantErr bool
	}{
		{
			name: "canonical",
			key:  testID + "~2~4",
			want: Key{MessageID: testID, Index: 2, Total: 4},
		},
		{
			name: "case insensitive prefix",
			key:  "devsetup{abc}~1~1",
			want: Key{MessageID: "devsetup{abc}", Index: 1, Total: 1},
		},
		{
			name: "progress id",
			key:  "DevSetup{abc}_Progress_3~1~2",
			want: Key{MessageID: "DevSetup{abc}_Progress_3", Index: 1, Total: 2},
		},
		{name: "wrong prefix", key: "Other{abc}~1~1", wantErr: true},
		{name: "missing brace", key: "DevSetupabc~1~1", wantErr: true},
		{name: "no closing brace", key: "DevSetup{abc~1~1", wantErr: true},
		{name: "empty body", key: "DevSetup{}~1~1", wantErr: true},
		{name: "too few fields", key: testID + "~1", wantErr: true},
		{name: "too many fields", key: testID + "~1~2~3", wantErr: true},
		{name: "non numeric index", key: testID + "~a~2", wantErr: true},
		{name: "signed index", key: testID + "~+1~2", wantErr: true},
		{name: "zero index", key: testID + "~0~2", wantErr: true},
		{name: "zero total", key: testID + "~1~0", wantErr: true},
		{name: "index over total", key: testID + "~3~2", wantErr: true},
		{name: "empty index", key: testID + "~~2", wantErr: true},
		{name: "bare prefix", key: "DevSetup{", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKey(tt.key, DefaultPrefix)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, kvperr.ErrMalformedKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKey_StringParseRoundTrip(t *testing.T) {
	k := Key{MessageID: testID, Index: 7, Total: 12}
	got, err := ParseKey(k.String(), DefaultPrefix)
	require.NoError(t, err)
	assert.Equal(t, k, got)
}

func TestFoldID(t *testing.T) {
	assert.Equal(t, FoldID("DevSetup{ABC}"), FoldID("devsetup{abc}"))
}
