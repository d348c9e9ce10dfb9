package crypto

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	codec := NewStateCodec(StateCodecConfig{Secret: "state-secret"})

	payload := StatePayload{
		BusinessID: "biz-42",
		ReturnPath: "/dashboard/integrations",
		IssuedAt:   time.Now().UnixMilli(),
	}
	token, err := codec.CreateState(payload)
	require.NoError(t, err)

	got := codec.VerifyState(token)
	require.NotNil(t, got)
	assert.Equal(t, payload, *got)
}

func TestStateForgeryRejected(t *testing.T) {
	codec := NewStateCodec(StateCodecConfig{Secret: "state-secret"})
	token, err := codec.CreateState(StatePayload{BusinessID: "biz-42", IssuedAt: 1})
	require.NoError(t, err)

	t.Run("flipped mac byte", func(t *testing.T) {
		encoded, mac, found := strings.Cut(token, ".")
		require.True(t, found)
		flipped := []byte(mac)
		if flipped[0] == 'f' {
			flipped[0] = '0'
		} else {
			flipped[0] = 'f'
		}
		assert.Nil(t, codec.VerifyState(encoded+"."+string(flipped)))
	})

	t.Run("missing separator", func(t *testing.T) {
		encoded, _, _ := strings.Cut(token, ".")
		assert.Nil(t, codec.VerifyState(encoded))
	})

	t.Run("different secret", func(t *testing.T) {
		other := NewStateCodec(StateCodecConfig{Secret: "another-secret"})
		assert.Nil(t, other.VerifyState(token))
	})

	t.Run("garbage", func(t *testing.T) {
		assert.Nil(t, codec.VerifyState("not.base64!payload"))
		assert.Nil(t, codec.VerifyState(""))
	})
}

func TestStateLegacyUnsignedFallback(t *testing.T) {
	raw, err := json.Marshal(StatePayload{BusinessID: "biz-42", IssuedAt: 7})
	require.NoError(t, err)
	unsigned := base64.RawURLEncoding.EncodeToString(raw)

	strict := NewStateCodec(StateCodecConfig{Secret: "s"})
	assert.Nil(t, strict.VerifyState(unsigned))

	lenient := NewStateCodec(StateCodecConfig{Secret: "s", AcceptUnsigned: true})
	got := lenient.VerifyState(unsigned)
	require.NotNil(t, got)
	assert.Equal(t, "biz-42", got.BusinessID)
}
