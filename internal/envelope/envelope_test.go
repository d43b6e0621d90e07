package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateRejectsMissingFields(t *testing.T) {
	e := Envelope{}
	require.Error(t, e.Validate())
}

func TestValidateRejectsStringBody(t *testing.T) {
	e := Envelope{
		PublisherName: "udm-listener",
		Realm:         "udm",
		Topic:         "users/user",
		Body:          json.RawMessage(`"not-an-object"`),
	}
	require.Error(t, e.Validate())
}

func TestValidateAcceptsUDMCreate(t *testing.T) {
	e := Envelope{
		PublisherName: PublisherUDMListener,
		Realm:         "udm",
		Topic:         "users/user",
		Body:          json.RawMessage(`{"new": {"dn": "x"}}`),
	}
	require.NoError(t, e.Validate())
}

func TestValidateRequiresOldOrNewForUDM(t *testing.T) {
	e := Envelope{
		PublisherName: PublisherUDMListener,
		Realm:         "udm",
		Topic:         "users/user",
		Body:          json.RawMessage(`{"unrelated": true}`),
	}
	require.Error(t, e.Validate())
}

func TestWithTimestampStampedLeavesExistingTimestamp(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := Envelope{Ts: ts}
	stamped := e.WithTimestampStamped(time.Now())
	require.Equal(t, ts, stamped.Ts)
}

func TestValidateShapeRejectsNonObject(t *testing.T) {
	require.Error(t, ValidateShape([]byte(`"hello"`)))
}

func TestValidateShapeAcceptsWellFormedEnvelope(t *testing.T) {
	raw := []byte(`{"publisher_name":"udm-listener","realm":"udm","topic":"users/user","body":{"new":{}}}`)
	require.NoError(t, ValidateShape(raw))
}
