package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	body := []byte(`{"authorization_id":"iauth_1","card_id":"card_1","amount":400}`)
	valid := Sign("whsec_test", now, body)

	tests := []struct {
		name   string
		header string
		body   []byte
		secret string
		now    time.Time
		want   error
	}{
		{"valid", valid, body, "whsec_test", now, nil},
		{"within tolerance", valid, body, "whsec_test", now.Add(4 * time.Minute), nil},
		{"missing", "", body, "whsec_test", now, ErrMissingSignature},
		{"no v1", "t=1760000000", body, "whsec_test", now, ErrMissingSignature},
		{"wrong secret", valid, body, "other", now, ErrInvalidSignature},
		{"tampered body", valid, []byte(`{"amount":1}`), "whsec_test", now, ErrInvalidSignature},
		{"bad timestamp", "t=abc,v1=00", body, "whsec_test", now, ErrInvalidSignature},
		{"stale", valid, body, "whsec_test", now.Add(6 * time.Minute), ErrTimestampOutOfTolerance},
		{"from the future", valid, body, "whsec_test", now.Add(-6 * time.Minute), ErrTimestampOutOfTolerance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.header, tt.body, tt.secret, 5*time.Minute, tt.now)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerify_AcceptsAnyRotatedSignature(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	body := []byte(`{}`)
	oldSig := Sign("old", now, body)
	newSig := Sign("new", now, body)

	header := newSig + "," + oldSig[len("t=1760000000,"):]
	require.NoError(t, Verify(header, body, "old", time.Minute, now))
	require.NoError(t, Verify(header, body, "new", time.Minute, now))
}

func TestVerify_ZeroToleranceSkipsClockCheck(t *testing.T) {
	body := []byte(`{}`)
	header := Sign("s", time.Unix(0, 0), body)
	require.NoError(t, Verify(header, body, "s", 0, time.Now()))
}
