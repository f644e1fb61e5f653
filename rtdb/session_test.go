package rtdb

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestSession() *SessionManager {
	return NewSessionManager("ws://unused.invalid", func() string { return "" }, nil, NewInlineMainScheduler(), nil)
}

func TestEnqueuePrioritizedFrameJumpsAheadOfNonPrioritized(t *testing.T) {
	session := newTestSession()
	session.scheduler.PostSync(func() {
		session.enqueue(queuedFrame{evtId: NewId(), tag: TagMut, prioritize: false})
		session.enqueue(queuedFrame{evtId: NewId(), tag: TagMer, prioritize: false})
		session.enqueue(queuedFrame{evtId: NewId(), tag: TagSub, prioritize: true})
	})

	assert.Equal(t, len(session.eventQueue), 3)
	assert.Equal(t, session.eventQueue[0].tag, TagSub)
	assert.Equal(t, session.eventQueue[1].tag, TagMut)
	assert.Equal(t, session.eventQueue[2].tag, TagMer)
}

func TestEnqueueSecondPrioritizedFrameJumpsAheadOfFirstNonPrioritizedOnly(t *testing.T) {
	session := newTestSession()
	session.scheduler.PostSync(func() {
		session.enqueue(queuedFrame{evtId: NewId(), tag: TagSub, prioritize: true})
		session.enqueue(queuedFrame{evtId: NewId(), tag: TagMut, prioritize: false})
		session.enqueue(queuedFrame{evtId: NewId(), tag: TagUns, prioritize: true})
	})

	assert.Equal(t, session.eventQueue[0].tag, TagSub)
	assert.Equal(t, session.eventQueue[1].tag, TagUns)
	assert.Equal(t, session.eventQueue[2].tag, TagMut)
}

func TestHandleAckInvokesOnAckAndClearsPendingRequest(t *testing.T) {
	session := newTestSession()
	evtId := NewId()
	acked := false
	session.scheduler.PostSync(func() {
		session.pendingRequests[evtId] = &pendingRequest{tag: TagMut, onAck: func() { acked = true }}
		session.handleAck(evtId)
	})
	assert.Equal(t, acked, true)
	_, stillPending := session.pendingRequests[evtId]
	assert.Equal(t, stillPending, false)
}

func TestHandleErrInvokesOnErrWithMappedKind(t *testing.T) {
	session := newTestSession()
	evtId := NewId()
	var received error
	session.scheduler.PostSync(func() {
		session.pendingRequests[evtId] = &pendingRequest{tag: TagMut, onErr: func(err error) { received = err }}
		session.handleErr(evtId, "invalidData", "bad document")
	})
	assert.NotEqual(t, received, nil)
	assert.Equal(t, IsKind(received, ErrorInvalidData), true)
}

func TestHandleErrForUnknownEventIsIgnored(t *testing.T) {
	session := newTestSession()
	session.scheduler.PostSync(func() {
		session.handleErr(NewId(), "invalidData", "bad document")
	})
	assert.Equal(t, len(session.pendingRequests), 0)
}

func TestSweepTimeoutsFailsExpiredRequestsOnly(t *testing.T) {
	session := newTestSession()
	expired := NewId()
	fresh := NewId()
	var expiredErr, freshErr error
	session.scheduler.PostSync(func() {
		session.pendingRequests[expired] = &pendingRequest{
			tag:      TagMut,
			deadline: time.Now().Add(-time.Second),
			onErr:    func(err error) { expiredErr = err },
		}
		session.pendingRequests[fresh] = &pendingRequest{
			tag:      TagMut,
			deadline: time.Now().Add(time.Hour),
			onErr:    func(err error) { freshErr = err },
		}
		session.sweepTimeouts()
	})

	assert.NotEqual(t, expiredErr, nil)
	assert.Equal(t, IsKind(expiredErr, ErrorTimeout), true)
	assert.Equal(t, freshErr, nil)

	_, expiredStillPending := session.pendingRequests[expired]
	assert.Equal(t, expiredStillPending, false)
	_, freshStillPending := session.pendingRequests[fresh]
	assert.Equal(t, freshStillPending, true)
}

func TestHandleTransportDisconnectedRequeuesOnlyRealFramesAndMarksSubscriptionsRegistering(t *testing.T) {
	session := newTestSession()
	handler := newSubscriptionHandler("hash1", "tasks", nil, nil, nil)
	handler.State = SubscriptionSubscribed

	mutEvtId := NewId()
	subTrackingEvtId := NewId()

	session.scheduler.PostSync(func() {
		session.subscriptionsByHash["hash1"] = handler
		session.pendingRequests[mutEvtId] = &pendingRequest{
			tag:    TagMut,
			queued: queuedFrame{evtId: mutEvtId, tag: TagMut},
		}
		session.pendingRequests[subTrackingEvtId] = &pendingRequest{
			tag:   TagSub,
			onErr: func(error) {},
		}
		session.state = SessionConnected
		session.handleTransportDisconnected(NewError(ErrorConnectionTerminated, "closed"))
	})

	assert.Equal(t, session.state, SessionConnecting)
	assert.Equal(t, handler.State, SubscriptionRegistering)
	assert.Equal(t, len(session.pendingRequests), 0)
	assert.Equal(t, len(session.eventQueue), 1)
	assert.Equal(t, session.eventQueue[0].evtId, mutEvtId)
}

func TestSubscribeDedupesByHashAndFansOutToEveryListener(t *testing.T) {
	session := newTestSession()
	main := NewInlineMainScheduler()

	deliveries := 0
	unsubscribeA := session.Subscribe("tasks", &Query{}, func(diff SubscriptionDiff, err error) { deliveries += 1 }, main)
	unsubscribeB := session.Subscribe("tasks", &Query{}, func(diff SubscriptionDiff, err error) { deliveries += 1 }, main)

	assert.Equal(t, len(session.subscriptionsByHash), 1)

	var handler *SubscriptionHandler
	session.scheduler.PostSync(func() {
		for _, h := range session.subscriptionsByHash {
			handler = h
		}
	})
	assert.Equal(t, handler.ListenerCount(), 2)

	unsubscribeA()
	session.scheduler.PostSync(func() {})
	assert.Equal(t, handler.ListenerCount(), 1)
	assert.Equal(t, len(session.subscriptionsByHash), 1)

	unsubscribeB()
	session.scheduler.PostSync(func() {})
	assert.Equal(t, len(session.subscriptionsByHash), 0)
}

func TestWireErrorToErrorMapsWriteConflictToExecutionFailed(t *testing.T) {
	err := wireErrorToError("writeConflict", "stale etag")
	assert.Equal(t, IsKind(err, ErrorExecutionFailed), true)
	rtdbErr, ok := err.(*Error)
	assert.Equal(t, ok, true)
	assert.Equal(t, ExecutionFailedReason(rtdbErr.Reason), ExecutionFailedWriteConflict)
}

func TestWireErrorToErrorFallsBackToServerForUnknownType(t *testing.T) {
	err := wireErrorToError("somethingNew", "oops")
	assert.Equal(t, IsKind(err, ErrorServer), true)
}

// stubNetworkHandler returns a NetworkHandler wired to no real socket, only
// good enough to accept writeNow's Write calls off its buffered channel.
func stubNetworkHandler() *NetworkHandler {
	return NewNetworkHandler("ws://unused.invalid", nil, func() {}, func(error) {}, func([]byte) {})
}

// envelopeTag reads the single tag key off an encoded {"tag": ...} frame
// envelope; decodeOne only understands server-side tags, so outbound
// frames captured in tests are inspected this way instead.
func envelopeTag(t *testing.T, raw []byte) Tag {
	t.Helper()
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err != nil {
		t.Fatalf("invalid frame envelope: %s", err)
	}
	for tag := range asMap {
		return Tag(tag)
	}
	t.Fatalf("empty frame envelope")
	return ""
}

func TestHandleTransportConnectedSendsConnectRequestAndFlushesToConnected(t *testing.T) {
	session := newTestSession()
	session.network = stubNetworkHandler()

	session.scheduler.PostSync(func() {
		session.handleTransportConnected()
	})

	assert.Equal(t, session.state, SessionConnected)
	assert.NotEqual(t, session.connectionId, Id{})
	assert.Equal(t, len(session.eventQueue), 0)

	var sawCon bool
	select {
	case raw := <-session.network.send:
		sawCon = envelopeTag(t, raw) == TagCon
	default:
	}
	assert.Equal(t, sawCon, true)
}

func TestHandleTransportConnectedSendsReconnectWhenConnectionIdAlreadyKnown(t *testing.T) {
	session := newTestSession()
	session.network = stubNetworkHandler()
	existing := NewId()
	session.connectionId = existing

	session.scheduler.PostSync(func() {
		session.handleTransportConnected()
	})

	assert.Equal(t, session.connectionId, existing)

	var sawRec bool
	select {
	case raw := <-session.network.send:
		sawRec = envelopeTag(t, raw) == TagRec
	default:
	}
	assert.Equal(t, sawRec, true)
}

func TestHandleTransportConnectedEnqueuesAuthWhenTokenIsSet(t *testing.T) {
	session := NewSessionManager("ws://unused.invalid", func() string { return "secret-token" }, nil, NewInlineMainScheduler(), nil)
	session.network = stubNetworkHandler()

	session.scheduler.PostSync(func() {
		session.handleTransportConnected()
	})

	assert.Equal(t, session.state, SessionConnected)

	var sawAuth bool
	for i := 0; i < 2; i++ {
		select {
		case raw := <-session.network.send:
			if envelopeTag(t, raw) == TagAuth {
				sawAuth = true
			}
		default:
		}
	}
	assert.Equal(t, sawAuth, true)
}

func TestHandleTransportConnectedSkipsAuthWhenNoTokenIsSet(t *testing.T) {
	session := newTestSession()
	session.network = stubNetworkHandler()

	session.scheduler.PostSync(func() {
		session.handleTransportConnected()
	})

	var authCount int
	for i := 0; i < 2; i++ {
		select {
		case raw := <-session.network.send:
			if envelopeTag(t, raw) == TagAuth {
				authCount += 1
			}
		default:
		}
	}
	assert.Equal(t, authCount, 0)
}

func TestEnqueueAuthDedupesAgainstAlreadyQueuedSameToken(t *testing.T) {
	session := newTestSession()

	session.scheduler.PostSync(func() {
		session.enqueueAuth("tok", func(error) {})
		session.enqueueAuth("tok", func(error) {})
	})

	authFrames := 0
	for _, queued := range session.eventQueue {
		if queued.tag == TagAuth {
			authFrames += 1
		}
	}
	assert.Equal(t, authFrames, 1)
}

func TestAuthOnAckCommitsToken(t *testing.T) {
	session := newTestSession()
	var callbackErr error
	callbackErr = NewError(ErrorServer, "sentinel, should be overwritten")

	session.Auth("tok", func(err error) { callbackErr = err })

	var evtId Id
	session.scheduler.PostSync(func() {
		for id, pending := range session.pendingRequests {
			if pending.tag == TagAuth {
				evtId = id
			}
		}
		session.handleAck(evtId)
	})

	assert.Equal(t, callbackErr, nil)
	assert.Equal(t, session.committedAuthToken, "tok")
}

func TestAuthOnErrClearsCommittedTokenWhenItMatches(t *testing.T) {
	session := newTestSession()
	session.committedAuthToken = "tok"
	var callbackErr error

	session.Auth("tok", func(err error) { callbackErr = err })

	var evtId Id
	session.scheduler.PostSync(func() {
		for id, pending := range session.pendingRequests {
			if pending.tag == TagAuth {
				evtId = id
			}
		}
		session.handleErr(evtId, "invalidAuthToken", "expired")
	})

	assert.NotEqual(t, callbackErr, nil)
	assert.Equal(t, session.committedAuthToken, "")
}

func TestDeauthClearsCommittedTokenOnAck(t *testing.T) {
	session := newTestSession()
	session.committedAuthToken = "tok"
	acked := false

	session.Deauth(func(error) { acked = true })

	var evtId Id
	session.scheduler.PostSync(func() {
		for id, pending := range session.pendingRequests {
			if pending.tag == TagDeauth {
				evtId = id
			}
		}
		session.handleAck(evtId)
	})

	assert.Equal(t, acked, true)
	assert.Equal(t, session.committedAuthToken, "")
}
