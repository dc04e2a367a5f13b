package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBundleType(t *testing.T) {
	bt, err := ParseBundleType("revision_gitfast")
	require.NoError(t, err)
	assert.Equal(t, KindRevision, bt.Kind)
	assert.Equal(t, FormatGitfast, bt.Format)
	assert.Equal(t, "revision_gitfast", bt.String())

	_, err = ParseBundleType("snapshot")
	assert.ErrorIs(t, err, ErrUnsupportedType)

	assert.Len(t, BundleTypeNames(), 4)
}

func TestParseObjectID(t *testing.T) {
	const hex = "1bd0e65f7d2ff14ae994de17a1e7fe65111dcad8"

	id, err := ParseObjectID(hex)
	require.NoError(t, err)
	assert.Equal(t, hex, id.String())
	assert.Equal(t, "1bd0e65", id.Short())

	_, err = ParseObjectID("nothex")
	assert.Error(t, err)

	// Truncated ids are rejected even when valid hex
	_, err = ParseObjectID(hex[:38])
	assert.Error(t, err)
}

func TestObjectID_JSONRoundTrip(t *testing.T) {
	const hex = "1bd0e65f7d2ff14ae994de17a1e7fe65111dcad8"

	id, err := ParseObjectID(hex)
	require.NoError(t, err)

	raw, err := json.Marshal(id)
	require.NoError(t, err)
	assert.Equal(t, `"`+hex+`"`, string(raw))

	var decoded ObjectID
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, id, decoded)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusNew.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusDone.Terminal())
	assert.True(t, StatusFailed.Terminal())
}
