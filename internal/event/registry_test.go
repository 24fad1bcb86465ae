package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKind(t *testing.T) {
	cases := map[string]Kind{
		"page_view":                     KindPageView,
		"Page-View":                     KindPageView,
		"cloudscale.events.page_view":   KindPageView,
		"CloudScale.Events.Page-View":   KindPageView,
		"  purchase ":                   KindPurchase,
		"cloudscale.events.user.action": KindUserAction,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeKind(raw), "input %q", raw)
	}
}

func TestDecodeAny_PageView(t *testing.T) {
	raw := []byte(`{
		"eventType": "page_view",
		"tenantId": "acme",
		"userId": "u-1",
		"url": "https://example.com/pricing",
		"referrer": "https://example.com"
	}`)

	e, err := DecodeAny(raw)
	require.NoError(t, err)
	assert.Equal(t, KindPageView, e.Type)
	assert.Equal(t, "acme", e.TenantID)
	assert.NotEmpty(t, e.EventID)
	assert.False(t, e.CreatedAt.IsZero())
	assert.Equal(t, SchemaVersion, e.SchemaVersion)
	assert.Equal(t, 1.0, e.ConfidenceScore)

	pv, ok := e.Payload.(*PageView)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/pricing", pv.URL)
}

func TestDecodeAny_TypeAliasField(t *testing.T) {
	raw := []byte(`{"type":"user_action","tenantId":"acme","userId":"u-1","actionName":"add_to_cart"}`)
	e, err := DecodeAny(raw)
	require.NoError(t, err)
	assert.Equal(t, KindUserAction, e.Type)
}

func TestDecodeAny_ClientIDOverride(t *testing.T) {
	raw := []byte(`{"eventType":"page_view","eventId":"client-chosen","tenantId":"acme","userId":"u-1","url":"/a"}`)
	e, err := DecodeAny(raw)
	require.NoError(t, err)
	assert.Equal(t, "client-chosen", e.EventID)
}

func TestDecodeAny_Purchase(t *testing.T) {
	raw := []byte(`{"eventType":"purchase","tenantId":"acme","userId":"u-1","actionName":"checkout","amount":19.99,"currency":"EUR"}`)
	e, err := DecodeAny(raw)
	require.NoError(t, err)
	p, ok := e.Payload.(*Purchase)
	require.True(t, ok)
	assert.Equal(t, 19.99, p.Amount)
	assert.Equal(t, 50, e.Type.ScoreWeight())
}

func TestDecodeAny_Failures(t *testing.T) {
	t.Run("missing type tag", func(t *testing.T) {
		_, err := DecodeAny([]byte(`{"tenantId":"acme"}`))
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "eventType", ve.Field)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := DecodeAny([]byte(`{"eventType":"telemetry_blob","tenantId":"acme"}`))
		assert.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("bad json", func(t *testing.T) {
		_, err := DecodeAny([]byte(`{"eventType":`))
		assert.ErrorIs(t, err, ErrBadPayload)
	})

	t.Run("missing tenant", func(t *testing.T) {
		_, err := DecodeAny([]byte(`{"eventType":"page_view","userId":"u-1","url":"/a"}`))
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "tenantId", ve.Field)
	})

	t.Run("missing url", func(t *testing.T) {
		_, err := DecodeAny([]byte(`{"eventType":"page_view","tenantId":"acme","userId":"u-1"}`))
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "url", ve.Field)
	})

	t.Run("missing user on action", func(t *testing.T) {
		_, err := DecodeAny([]byte(`{"eventType":"user_action","tenantId":"acme","actionName":"x"}`))
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "userId", ve.Field)
	})
}

func TestEvent_MarshalRoundTrip(t *testing.T) {
	e := New(KindUserAction, "acme", &UserAction{ActionName: "add_to_cart"})
	e.UserID = "u-9"
	e.CorrelationID = "corr-1"

	raw, err := json.Marshal(e)
	require.NoError(t, err)

	// Payload fields are flattened onto the envelope.
	var flat map[string]any
	require.NoError(t, json.Unmarshal(raw, &flat))
	assert.Equal(t, "add_to_cart", flat["actionName"])
	assert.Equal(t, "user_action", flat["eventType"])

	got, err := Decode(KindUserAction, raw)
	require.NoError(t, err)
	assert.Equal(t, e.EventID, got.EventID)
	ua, ok := got.Payload.(*UserAction)
	require.True(t, ok)
	assert.Equal(t, "add_to_cart", ua.ActionName)
}

func TestCheckCartStatus_NoUserPayloadRules(t *testing.T) {
	raw := []byte(`{"eventType":"check_cart_status","tenantId":"acme"}`)
	e, err := DecodeAny(raw)
	require.NoError(t, err)
	assert.Equal(t, KindCheckCartStatus, e.Type)
	assert.Equal(t, 0, e.Type.ScoreWeight())
}
