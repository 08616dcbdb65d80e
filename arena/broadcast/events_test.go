package broadcast

import (
	"encoding/json"
	"errors"
	"testing"

	"arenaserver/arena/apperr"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBidAcceptsNumberOrString(t *testing.T) {
	for _, raw := range []string{
		`{"type":"place-bid","requestId":"r1","payload":{"roomId":"a1","amount":115}}`,
		`{"type":"place-bid","requestId":"r1","payload":{"roomId":"a1","amount":"115"}}`,
	} {
		in, err := Decode([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, TypePlaceBid, in.Type)

		var bid PlaceBid
		require.NoError(t, DecodePayload(in, &bid))
		assert.True(t, bid.Amount.Equal(decimal.NewFromInt(115)))
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Equal(t, apperr.ValidationError, apperr.CodeOf(err))

	_, err = Decode([]byte(`{"requestId":"x"}`))
	assert.Equal(t, apperr.ValidationError, apperr.CodeOf(err))

	err = DecodePayload(Inbound{Type: TypeSubmitMove}, &SubmitMove{})
	assert.Equal(t, apperr.ValidationError, apperr.CodeOf(err))
}

func TestErrorEventShape(t *testing.T) {
	msg := ErrorEvent("r7", apperr.New(apperr.OwnershipViolation, "card cb does not belong to alice"))

	var out struct {
		Type      string       `json:"type"`
		RequestID string       `json:"requestId"`
		Payload   ErrorPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg, &out))
	assert.Equal(t, "error", out.Type)
	assert.Equal(t, "r7", out.RequestID)
	assert.Equal(t, apperr.OwnershipViolation, out.Payload.Code)

	require.NoError(t, json.Unmarshal(ErrorEvent("", errors.New("pq: broken pipe")), &out))
	assert.Equal(t, apperr.InternalError, out.Payload.Code)
	assert.Equal(t, "internal error", out.Payload.Message)
}
