package canonical_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relieflane/caseledger/pkg/canonical"
)

func TestMarshal_SortsKeys(t *testing.T) {
	out, err := canonical.Marshal(map[string]any{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(out))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	out, err := canonical.Marshal(map[string]string{"q": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b>&c"}`, string(out))
}

func TestMarshal_HonorsStructTags(t *testing.T) {
	type commit struct {
		TenantID string `json:"tenant_id"`
		TS       int64  `json:"ts"`
	}
	out, err := canonical.Marshal(commit{TenantID: "t-1", TS: 42})
	require.NoError(t, err)
	assert.Equal(t, `{"tenant_id":"t-1","ts":42}`, string(out))
}

func TestHash_DeterministicAcrossKeyOrder(t *testing.T) {
	h1, err := canonical.Hash(map[string]any{"x": "1", "y": []any{"a", "b"}})
	require.NoError(t, err)
	h2, err := canonical.Hash(map[string]any{"y": []any{"a", "b"}, "x": "1"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHash_SensitiveToValueChange(t *testing.T) {
	h1, err := canonical.Hash(map[string]string{"k": "v"})
	require.NoError(t, err)
	h2, err := canonical.Hash(map[string]string{"k": "w"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
