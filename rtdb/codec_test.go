package rtdb

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEncodeFrameEnvelopeShape(t *testing.T) {
	evtId := NewId()
	raw, err := EncodeFrame(TagMut, mutPayload{
		EvtId: evtId,
		ColId: "tasks",
		Doc:   docRef{Id: "t1", Body: map[string]any{"title": "write tests"}},
	})
	assert.Equal(t, err, nil)

	frame, err := ParseEnvelopeForTest(raw)
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.tag, TagMut)
}

// ParseEnvelopeForTest exposes parseEnvelope to the test file without
// widening the package's public surface.
func ParseEnvelopeForTest(message []byte) (rawFrame, error) {
	return parseEnvelope(message)
}

func TestEncodeFrameRejectsInvalidIdentifier(t *testing.T) {
	_, err := EncodeFrame(TagMut, mutPayload{
		EvtId: NewId(),
		ColId: "bad id",
		Doc:   docRef{Id: "t1", Body: map[string]any{}},
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, IsKind(err, ErrorInvalidData), true)
}

func TestEncodeFrameRejectsDottedDocumentKey(t *testing.T) {
	_, err := EncodeFrame(TagMut, mutPayload{
		EvtId: NewId(),
		ColId: "tasks",
		Doc:   docRef{Id: "t1", Body: map[string]any{"bad.key": 1}},
	})
	assert.NotEqual(t, err, nil)
}

func TestParseFramesDecodesVal(t *testing.T) {
	message := []byte(`{"val":{"evt-id":"00000000-0000-0000-0000-000000000000","sub-id":"00000000-0000-0000-0000-000000000001","col-id":"tasks","docs":[{"id":"t1","etag":"e1","body":{"title":"a"}}]}}`)
	frames, err := ParseFrames(message)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(frames), 1)
	assert.Equal(t, frames[0].Tag, TagBatch)

	batch, ok := frames[0].Payload.(SubscriptionBatch)
	assert.Equal(t, ok, true)
	assert.Equal(t, batch.HasCollection, true)
	assert.Equal(t, len(batch.Collection), 1)
	assert.Equal(t, batch.Collection[0].Id, "t1")
}

func TestParseFramesMergesConsecutiveUpdatesForSameSubscription(t *testing.T) {
	message := []byte(`{"batch":[` +
		`{"upd":{"evt-id":"00000000-0000-0000-0000-000000000000","sub-id":"00000000-0000-0000-0000-000000000001","col-id":"tasks","doc":{"id":"t1","etag":"e1","body":{}}}},` +
		`{"upd":{"evt-id":"00000000-0000-0000-0000-000000000002","sub-id":"00000000-0000-0000-0000-000000000001","col-id":"tasks","doc":{"id":"t2","etag":"e1","body":{}}}}` +
		`]}`)
	frames, err := ParseFrames(message)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(frames), 1)

	batch, ok := frames[0].Payload.(SubscriptionBatch)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(batch.Updates), 2)
	assert.Equal(t, len(batch.EventIds), 2)
}

func TestParseFramesSeparatesDifferentSubscriptions(t *testing.T) {
	message := []byte(`{"batch":[` +
		`{"upd":{"evt-id":"00000000-0000-0000-0000-000000000000","sub-id":"00000000-0000-0000-0000-000000000001","col-id":"tasks","doc":{"id":"t1","etag":"e1","body":{}}}},` +
		`{"ack":{"evt-id":"00000000-0000-0000-0000-000000000002"}},` +
		`{"upd":{"evt-id":"00000000-0000-0000-0000-000000000003","sub-id":"00000000-0000-0000-0000-000000000004","col-id":"tasks","doc":{"id":"t2","etag":"e1","body":{}}}}` +
		`]}`)
	frames, err := ParseFrames(message)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(frames), 3)
	assert.Equal(t, frames[0].Tag, TagBatch)
	assert.Equal(t, frames[1].Tag, TagAck)
	assert.Equal(t, frames[2].Tag, TagBatch)
}

func TestEncodeFilterSimpleEquality(t *testing.T) {
	raw, err := encodeFilter(&SimpleFilter{KeyPath: "status", Relation: RelationEq, Value: "open"})
	assert.Equal(t, err, nil)
	assert.Equal(t, string(raw), `{"status":"open"}`)
}

func TestEncodeDecodeFilterRoundTrip(t *testing.T) {
	original := &CompoundFilter{
		Operator: OperatorAnd,
		Operands: []Filter{
			&SimpleFilter{KeyPath: "status", Relation: RelationEq, Value: "open"},
			&SimpleFilter{KeyPath: "priority", Relation: RelationGte, Value: float64(2)},
		},
	}
	raw, err := encodeFilter(original)
	assert.Equal(t, err, nil)

	decoded, err := decodeFilter(raw)
	assert.Equal(t, err, nil)

	compound, ok := decoded.(*CompoundFilter)
	assert.Equal(t, ok, true)
	assert.Equal(t, compound.Operator, OperatorAnd)
	assert.Equal(t, len(compound.Operands), 2)
}
