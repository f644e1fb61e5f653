package rtdb

import (
	"encoding/json"
	"fmt"
	"time"
)

// Tag is the single top-level key that names a frame's variant.
type Tag string

const (
	TagMut    Tag = "mut"
	TagMer    Tag = "mer"
	TagDel    Tag = "del"
	TagSub    Tag = "sub"
	TagUns    Tag = "uns"
	TagFtc    Tag = "ftc"
	TagCon    Tag = "con"
	TagRec    Tag = "rec"
	TagDis    Tag = "dis"
	TagNop    Tag = "nop"
	TagAuth   Tag = "auth"
	TagDeauth Tag = "deauth"
	TagAck    Tag = "ack"
	TagErr    Tag = "err"
	TagVal    Tag = "val"
	TagUpd    Tag = "upd"
	TagRm     Tag = "rm"
	TagRes    Tag = "res"
	TagCa     Tag = "ca"
	TagBatch  Tag = "batch"
)

// wireDocument mirrors the `{id, etag, crt, crt-ts, mod-ts, skey, body}`
// document JSON shape (spec §6).
type wireDocument struct {
	Id        string         `json:"id"`
	Etag      string         `json:"etag,omitempty"`
	SortValue string         `json:"crt,omitempty"`
	CreatedAt int64          `json:"crt-ts,omitempty"`
	ModifiedAt int64         `json:"mod-ts,omitempty"`
	SortKeys  []string       `json:"skey,omitempty"`
	Body      map[string]any `json:"body,omitempty"`
}

func toWireDocument(doc *Document) wireDocument {
	w := wireDocument{
		Id:        doc.Id,
		Etag:      doc.Etag,
		SortValue: doc.SortValue,
		SortKeys:  doc.SortKeys,
		Body:      doc.Value,
	}
	if !doc.CreatedAt.IsZero() {
		w.CreatedAt = doc.CreatedAt.UnixMilli()
	}
	if !doc.ModifiedAt.IsZero() {
		w.ModifiedAt = doc.ModifiedAt.UnixMilli()
	}
	return w
}

func fromWireDocument(colId string, w wireDocument) *Document {
	doc := &Document{
		Id:           w.Id,
		CollectionId: colId,
		Value:        w.Body,
		Etag:         w.Etag,
		SortValue:    w.SortValue,
		SortKeys:     w.SortKeys,
	}
	if w.CreatedAt != 0 {
		doc.CreatedAt = time.UnixMilli(w.CreatedAt)
	}
	if w.ModifiedAt != 0 {
		doc.ModifiedAt = time.UnixMilli(w.ModifiedAt)
	}
	return doc
}

// encodeFilter/decodeFilter and encodeOrdering/decodeOrdering carry the
// JSON shapes from spec §6:
// simple filter is `{keyPath: value}` for eq or `{keyPath: {op: value}}`
// otherwise; compound is `{and: [...]}`, `{or: [...]}`, `{not: filter}`.

func encodeFilter(filter Filter) (json.RawMessage, error) {
	if filter == nil {
		return nil, nil
	}
	switch f := filter.(type) {
	case *SimpleFilter:
		var inner any
		if f.Relation == RelationEq {
			inner = f.Value
		} else {
			op := wireOp[f.Relation]
			inner = map[string]any{op: f.Value}
		}
		return json.Marshal(map[string]any{f.KeyPath: inner})
	case *CompoundFilter:
		switch f.Operator {
		case OperatorNot:
			operand, err := encodeFilter(f.Operands[0])
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]json.RawMessage{"not": operand})
		default:
			operands := make([]json.RawMessage, len(f.Operands))
			for i, operand := range f.Operands {
				encoded, err := encodeFilter(operand)
				if err != nil {
					return nil, err
				}
				operands[i] = encoded
			}
			return json.Marshal(map[string][]json.RawMessage{string(f.Operator): operands})
		}
	default:
		return nil, NewInvalidDataError(InvalidDataInvalidFilter, "unknown filter type")
	}
}

func decodeFilter(raw json.RawMessage) (Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, NewInvalidDataError(InvalidDataInvalidFilter, "filter is not an object")
	}
	if len(asMap) != 1 {
		return nil, NewInvalidDataError(InvalidDataInvalidFilter, "filter object must have exactly one key")
	}
	for key, value := range asMap {
		switch CompoundOperator(key) {
		case OperatorAnd, OperatorOr:
			var rawOperands []json.RawMessage
			if err := json.Unmarshal(value, &rawOperands); err != nil {
				return nil, NewInvalidDataError(InvalidDataInvalidFilter, "compound operands must be an array")
			}
			operands := make([]Filter, len(rawOperands))
			for i, rawOperand := range rawOperands {
				operand, err := decodeFilter(rawOperand)
				if err != nil {
					return nil, err
				}
				operands[i] = operand
			}
			return &CompoundFilter{Operator: CompoundOperator(key), Operands: operands}, nil
		case OperatorNot:
			operand, err := decodeFilter(value)
			if err != nil {
				return nil, err
			}
			return &CompoundFilter{Operator: OperatorNot, Operands: []Filter{operand}}, nil
		default:
			// simple filter: key is a key path
			var asOpMap map[string]json.RawMessage
			if err := json.Unmarshal(value, &asOpMap); err == nil && len(asOpMap) == 1 {
				for op, opValue := range asOpMap {
					relation, ok := wireOpReverse[op]
					if !ok {
						return nil, NewInvalidDataError(InvalidDataInvalidFilter, fmt.Sprintf("unknown filter op: %q", op))
					}
					var decodedValue any
					if err := json.Unmarshal(opValue, &decodedValue); err != nil {
						return nil, NewInvalidDataError(InvalidDataInvalidFilter, "invalid filter value")
					}
					return &SimpleFilter{KeyPath: key, Relation: relation, Value: decodedValue}, nil
				}
			}
			var decodedValue any
			if err := json.Unmarshal(value, &decodedValue); err != nil {
				return nil, NewInvalidDataError(InvalidDataInvalidFilter, "invalid filter value")
			}
			return &SimpleFilter{KeyPath: key, Relation: RelationEq, Value: decodedValue}, nil
		}
	}
	panic("unreachable")
}

func encodeOrdering(ordering Ordering) []map[string]string {
	if len(ordering) == 0 {
		return nil
	}
	wire := make([]map[string]string, len(ordering))
	for i, term := range ordering {
		wire[i] = map[string]string{term.KeyPath: string(term.Direction)}
	}
	return wire
}

func decodeOrdering(raw []map[string]string) (Ordering, error) {
	ordering := make(Ordering, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 1 {
			return nil, NewInvalidDataError(InvalidDataInvalidFilter, "order term must have exactly one key")
		}
		for keyPath, direction := range entry {
			ordering = append(ordering, OrderTerm{KeyPath: keyPath, Direction: Direction(direction)})
		}
	}
	return ordering, nil
}

// docRef is the request-side document shape for mut/mer/del.
type docRef struct {
	Id   string         `json:"id"`
	Etag string         `json:"etag,omitempty"`
	Body map[string]any `json:"body,omitempty"`
}

type conPayload struct {
	EvtId        Id `json:"evt-id"`
	ConnectionId Id `json:"con-id"`
}

type recPayload struct {
	EvtId        Id `json:"evt-id"`
	ConnectionId Id `json:"con-id"`
}

type emptyPayload struct {
	EvtId Id `json:"evt-id"`
}

type authPayload struct {
	EvtId Id     `json:"evt-id"`
	Token string `json:"token"`
}

type mutPayload struct {
	EvtId Id      `json:"evt-id"`
	ColId string  `json:"col-id"`
	Doc   docRef  `json:"doc"`
}

type delPayload struct {
	EvtId Id     `json:"evt-id"`
	ColId string `json:"col-id"`
	Doc   docRef `json:"doc"`
}

type subPayload struct {
	EvtId  Id                `json:"evt-id"`
	SubId  Id                `json:"sub-id"`
	ColId  string            `json:"col-id"`
	Filter json.RawMessage   `json:"filter,omitempty"`
	Order  []map[string]string `json:"order,omitempty"`
	Limit  *int              `json:"limit,omitempty"`
	Skip   *int              `json:"skip,omitempty"`
}

type unsPayload struct {
	EvtId Id `json:"evt-id"`
	SubId Id `json:"sub-id"`
}

type ftcPayload struct {
	EvtId  Id                `json:"evt-id"`
	FtcId  Id                `json:"ftc-id"`
	ColId  string            `json:"col-id"`
	Filter json.RawMessage   `json:"filter,omitempty"`
	Order  []map[string]string `json:"order,omitempty"`
	Limit  *int              `json:"limit,omitempty"`
	Skip   *int              `json:"skip,omitempty"`
}

// clientAckPayload is the client->server `ack` frame acknowledging one
// or more prior server event-ids (subscription update deliveries).
type clientAckPayload struct {
	EvtId        Id   `json:"evt-id"`
	AckedEventIds []Id `json:"acked-evt-ids,omitempty"`
}

// Server -> client payloads.

type serverAckPayload struct {
	EvtId Id `json:"evt-id"`
}

type serverErrPayload struct {
	EvtId   Id     `json:"evt-id"`
	ErrType string `json:"err-type"`
	ErrMsg  string `json:"err-msg,omitempty"`
}

type serverValPayload struct {
	EvtId Id             `json:"evt-id"`
	SubId Id             `json:"sub-id"`
	ColId string         `json:"col-id"`
	Docs  []wireDocument `json:"docs"`
}

type serverUpdPayload struct {
	EvtId Id           `json:"evt-id"`
	SubId Id           `json:"sub-id"`
	ColId string       `json:"col-id"`
	Doc   wireDocument `json:"doc"`
}

type serverRmPayload struct {
	EvtId Id           `json:"evt-id"`
	SubId Id           `json:"sub-id"`
	ColId string       `json:"col-id"`
	Doc   wireDocument `json:"doc"`
}

type serverCaPayload struct {
	EvtId Id     `json:"evt-id"`
	SubId Id     `json:"sub-id"`
	ColId string `json:"col-id"`
}

type serverResPayload struct {
	EvtId Id             `json:"evt-id"`
	FtcId Id             `json:"ftc-id"`
	ColId string         `json:"col-id"`
	Docs  []wireDocument `json:"docs"`
}

// Frame is one decoded client<->server message: Tag names the variant,
// Payload is one of the typed *Payload structs above.
type Frame struct {
	Tag     Tag
	Payload any
}

func newQuerySub(evtId Id, subId Id, colId string, query *Query) (subPayload, error) {
	payload := subPayload{EvtId: evtId, SubId: subId, ColId: colId}
	if query != nil {
		encodedFilter, err := encodeFilter(query.Filter)
		if err != nil {
			return payload, err
		}
		payload.Filter = encodedFilter
		payload.Order = encodeOrdering(query.Ordering)
		if query.Paging != nil {
			payload.Skip = query.Paging.Skip
			payload.Limit = query.Paging.Take
		}
	}
	return payload, nil
}

func newQueryFtc(evtId Id, ftcId Id, colId string, query *Query) (ftcPayload, error) {
	payload := ftcPayload{EvtId: evtId, FtcId: ftcId, ColId: colId}
	if query != nil {
		encodedFilter, err := encodeFilter(query.Filter)
		if err != nil {
			return payload, err
		}
		payload.Filter = encodedFilter
		payload.Order = encodeOrdering(query.Ordering)
		if query.Paging != nil {
			payload.Skip = query.Paging.Skip
			payload.Limit = query.Paging.Take
		}
	}
	return payload, nil
}

func queryFromWire(filter json.RawMessage, order []map[string]string, limit *int, skip *int) (*Query, error) {
	decodedFilter, err := decodeFilter(filter)
	if err != nil {
		return nil, err
	}
	ordering, err := decodeOrdering(order)
	if err != nil {
		return nil, err
	}
	var paging *Paging
	if limit != nil || skip != nil {
		paging = &Paging{Skip: skip, Take: limit}
	}
	return &Query{Filter: decodedFilter, Ordering: ordering, Paging: paging}, nil
}

// EncodeFrame serializes an outbound request. Serialization-time
// validation of collection and document identifiers and document bodies
// happens here, per spec §4.1: a failure returns ErrorInvalidData and
// never reaches the transport. Filter and ordering key paths are not
// checked here; CollectionRef checks them via Query.validate before
// the request is built.
func EncodeFrame(tag Tag, payload any) ([]byte, error) {
	if err := validateOutbound(tag, payload); err != nil {
		return nil, err
	}
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, NewInvalidDataError(InvalidDataSerializationFailure, err.Error())
	}
	envelope := map[string]json.RawMessage{string(tag): inner}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return nil, NewInvalidDataError(InvalidDataSerializationFailure, err.Error())
	}
	return encoded, nil
}

func validateOutbound(tag Tag, payload any) error {
	switch p := payload.(type) {
	case mutPayload:
		return validateDocRequest(p.ColId, p.Doc, true)
	case delPayload:
		return validateDocRequest(p.ColId, p.Doc, false)
	case subPayload:
		return validateIdentifier(p.ColId)
	case ftcPayload:
		return validateIdentifier(p.ColId)
	}
	return nil
}

func validateDocRequest(colId string, doc docRef, bodyRequired bool) error {
	if err := validateIdentifier(colId); err != nil {
		return err
	}
	if err := validateIdentifier(doc.Id); err != nil {
		return err
	}
	if bodyRequired {
		if err := validateDocumentBody(doc.Body); err != nil {
			return err
		}
	}
	return nil
}

// ParseFrames decodes one top-level inbound message, which may itself
// be a `batch` envelope wrapping a sequence of frames. Consecutive
// subscription-update frames (val/upd/rm) sharing a subscription-id are
// collapsed into a single *SubscriptionBatch before being returned,
// preserving every contributing event-id for acknowledgement.
func ParseFrames(message []byte) ([]Frame, error) {
	raw, err := parseEnvelope(message)
	if err != nil {
		return nil, err
	}
	flat, err := flattenFrame(raw)
	if err != nil {
		return nil, err
	}
	return mergeSubscriptionFrames(flat), nil
}

type rawFrame struct {
	tag   Tag
	value json.RawMessage
}

func parseEnvelope(message []byte) (rawFrame, error) {
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(message, &asMap); err != nil {
		return rawFrame{}, NewInvalidDataError(InvalidDataSerializationFailure, err.Error())
	}
	if len(asMap) != 1 {
		return rawFrame{}, NewInvalidDataError(InvalidDataSerializationFailure, "frame envelope must have exactly one key")
	}
	for tag, value := range asMap {
		return rawFrame{tag: Tag(tag), value: value}, nil
	}
	panic("unreachable")
}

func flattenFrame(raw rawFrame) ([]Frame, error) {
	if raw.tag == TagBatch {
		var rawItems []map[string]json.RawMessage
		if err := json.Unmarshal(raw.value, &rawItems); err != nil {
			return nil, NewInvalidDataError(InvalidDataSerializationFailure, err.Error())
		}
		frames := []Frame{}
		for _, item := range rawItems {
			for tag, value := range item {
				inner, err := flattenFrame(rawFrame{tag: Tag(tag), value: value})
				if err != nil {
					return nil, err
				}
				frames = append(frames, inner...)
			}
		}
		return frames, nil
	}

	frame, err := decodeOne(raw.tag, raw.value)
	if err != nil {
		return nil, err
	}
	return []Frame{frame}, nil
}

func decodeOne(tag Tag, value json.RawMessage) (Frame, error) {
	unmarshalInto := func(dst any) error {
		if err := json.Unmarshal(value, dst); err != nil {
			return NewInvalidDataError(InvalidDataSerializationFailure, err.Error())
		}
		return nil
	}

	switch tag {
	case TagAck:
		var payload serverAckPayload
		if err := unmarshalInto(&payload); err != nil {
			return Frame{}, err
		}
		return Frame{Tag: tag, Payload: payload}, nil
	case TagErr:
		var payload serverErrPayload
		if err := unmarshalInto(&payload); err != nil {
			return Frame{}, err
		}
		return Frame{Tag: tag, Payload: payload}, nil
	case TagVal:
		var payload serverValPayload
		if err := unmarshalInto(&payload); err != nil {
			return Frame{}, err
		}
		return Frame{Tag: tag, Payload: payload}, nil
	case TagUpd:
		var payload serverUpdPayload
		if err := unmarshalInto(&payload); err != nil {
			return Frame{}, err
		}
		return Frame{Tag: tag, Payload: payload}, nil
	case TagRm:
		var payload serverRmPayload
		if err := unmarshalInto(&payload); err != nil {
			return Frame{}, err
		}
		return Frame{Tag: tag, Payload: payload}, nil
	case TagCa:
		var payload serverCaPayload
		if err := unmarshalInto(&payload); err != nil {
			return Frame{}, err
		}
		return Frame{Tag: tag, Payload: payload}, nil
	case TagRes:
		var payload serverResPayload
		if err := unmarshalInto(&payload); err != nil {
			return Frame{}, err
		}
		return Frame{Tag: tag, Payload: payload}, nil
	default:
		return Frame{}, NewInvalidDataError(InvalidDataSerializationFailure, fmt.Sprintf("unknown frame tag: %q", tag))
	}
}

// mergeSubscriptionFrames implements the §4.1 merge rule: consecutive
// val/upd/rm frames for the same subscription-id collapse into one
// *SubscriptionBatch carrying every contributing event-id.
func mergeSubscriptionFrames(frames []Frame) []Frame {
	merged := make([]Frame, 0, len(frames))
	var current *SubscriptionBatch

	flush := func() {
		if current != nil {
			merged = append(merged, Frame{Tag: TagBatch, Payload: *current})
			current = nil
		}
	}

	for _, frame := range frames {
		subId, batchDelta, isSubscriptionFrame := asSubscriptionDelta(frame)
		if !isSubscriptionFrame {
			flush()
			merged = append(merged, frame)
			continue
		}
		if current != nil && current.SubId == subId {
			current.merge(batchDelta)
			continue
		}
		flush()
		current = &SubscriptionBatch{SubId: subId}
		current.merge(batchDelta)
	}
	flush()
	return merged
}

func asSubscriptionDelta(frame Frame) (Id, SubscriptionBatch, bool) {
	switch p := frame.Payload.(type) {
	case serverValPayload:
		docs := make([]*Document, len(p.Docs))
		for i, wire := range p.Docs {
			docs[i] = fromWireDocument(p.ColId, wire)
		}
		return p.SubId, SubscriptionBatch{
			SubId:      p.SubId,
			ColId:      p.ColId,
			Collection: docs,
			HasCollection: true,
			EventIds:   []Id{p.EvtId},
		}, true
	case serverUpdPayload:
		return p.SubId, SubscriptionBatch{
			SubId:    p.SubId,
			ColId:    p.ColId,
			Updates:  []*Document{fromWireDocument(p.ColId, p.Doc)},
			EventIds: []Id{p.EvtId},
		}, true
	case serverRmPayload:
		doc := &Document{Id: p.Doc.Id, CollectionId: p.ColId, Value: nil}
		return p.SubId, SubscriptionBatch{
			SubId:    p.SubId,
			ColId:    p.ColId,
			Updates:  []*Document{doc},
			EventIds: []Id{p.EvtId},
		}, true
	default:
		return Id{}, SubscriptionBatch{}, false
	}
}
