package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumchat/calls/internal/domain"
)

func TestDecodeRing(t *testing.T) {
	raw := []byte(`{"callId":"c1","senderId":"alice","seq":1,"kind":"ring","payload":{"calleeIds":["bob","carol"],"hasVideo":true}}`)
	msg, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, domain.CallID("c1"), msg.CallID)
	assert.Equal(t, domain.ParticipantID("alice"), msg.SenderID)
	assert.Equal(t, uint64(1), msg.Seq)
	assert.Equal(t, KindRing, msg.Kind)

	p, ok := msg.Payload.(RingPayload)
	require.True(t, ok)
	assert.Equal(t, []domain.ParticipantID{"bob", "carol"}, p.CalleeIDs)
	assert.True(t, p.HasVideo)
}

func TestDecodeEnvelopeValidation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"missing call id", `{"senderId":"a","seq":1,"kind":"heartbeat"}`, ErrMissingCallID},
		{"missing sender", `{"callId":"c1","seq":1,"kind":"heartbeat"}`, ErrMissingSender},
		{"missing seq", `{"callId":"c1","senderId":"a","kind":"heartbeat"}`, ErrMissingSeq},
		{"unknown kind", `{"callId":"c1","senderId":"a","seq":1,"kind":"teleport"}`, ErrUnknownKind},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"ring without callees", `{"callId":"c1","senderId":"a","seq":1,"kind":"ring","payload":{"calleeIds":[]}}`},
		{"offer without sdp", `{"callId":"c1","senderId":"a","seq":1,"kind":"offer","payload":{"sdp":""}}`},
		{"answer missing payload", `{"callId":"c1","senderId":"a","seq":1,"kind":"answer"}`},
		{"candidate empty", `{"callId":"c1","senderId":"a","seq":1,"kind":"ice-candidate","payload":{"candidate":{"candidate":""}}}`},
		{"loss out of range", `{"callId":"c1","senderId":"a","seq":1,"kind":"quality-report","payload":{"rtt":50,"lossFraction":1.5}}`},
		{"kick without target", `{"callId":"c1","senderId":"a","seq":1,"kind":"kick","payload":{"reason":"x"}}`},
		{"not json", `{"callId":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			assert.Error(t, err)
		})
	}
}

func TestDecodeBodylessKinds(t *testing.T) {
	for _, kind := range []Kind{KindAccept, KindLeave, KindHeartbeat} {
		raw := []byte(`{"callId":"c1","senderId":"a","seq":7,"kind":"` + string(kind) + `"}`)
		msg, err := Decode(raw)
		require.NoError(t, err)
		assert.Nil(t, msg.Payload)
	}
}

func TestDecodeOfferCarriesScreenFlag(t *testing.T) {
	raw := []byte(`{"callId":"c1","senderId":"a","seq":2,"kind":"offer","payload":{"sdp":"v=0","screen":true}}`)
	msg, err := Decode(raw)
	require.NoError(t, err)
	p := msg.Payload.(OfferPayload)
	assert.True(t, p.Screen)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Message{
		CallID:   "c1",
		SenderID: "alice",
		Seq:      9,
		Kind:     KindQualityReport,
		Payload:  QualityReportPayload{RTTMs: 120, LossFraction: 0.02, BitrateEstimate: 800_000},
	}
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in.CallID, out.CallID)
	assert.Equal(t, in.Seq, out.Seq)
	p := out.Payload.(QualityReportPayload)
	assert.Equal(t, 120, p.RTTMs)
	assert.InDelta(t, 0.02, p.LossFraction, 1e-9)
}
