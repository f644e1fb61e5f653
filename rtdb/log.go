package rtdb

import (
	"github.com/golang/glog"
)

// Logging convention, carried over from the teacher library:
// Info:
//     essential events for abnormal behavior; silent in normal operation
//     except one-time initialization data useful for monitoring. Includes
//     backpressure, reconnect and timeout events.
// Error:
//     unrecoverable conditions, including panics recovered at a callback
//     boundary.
// V(2):
//     per-frame trace: send, ack, subscription delivery. Should be
//     summarized by an external aggregator rather than read raw in
//     production.

func logReconnect(reason string) {
	glog.Infof("[session] reconnect: %s", reason)
}

func logDisconnect(err error) {
	if err != nil {
		glog.Infof("[session] disconnected: %s", err)
	} else {
		glog.Infof("[session] disconnected")
	}
}

func logFrameSend(tag string, eventId Id) {
	if glog.V(2) {
		glog.Infof("[session]-> %s %s", tag, eventId)
	}
}

func logFrameReceive(tag string) {
	if glog.V(2) {
		glog.Infof("[session]<- %s", tag)
	}
}

func logCallbackPanic(where string, r any) {
	glog.Errorf("[rtdb] recovered panic in %s: %v", where, r)
}

// safeCallback runs fn, recovering any panic so a single misbehaving
// caller callback can never tear down the session loop.
func safeCallback(where string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logCallbackPanic(where, r)
		}
	}()
	fn()
}
