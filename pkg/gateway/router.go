package gateway

import (
	"context"
	"time"

	"github.com/lokutor-ai/streamcast/pkg/broker"
	"github.com/lokutor-ai/streamcast/pkg/jobs"
)

// routeResults is the Result Router (C7, spec §4.7): it drains the
// session's pub/sub subscription, applies AdmitResult's ordering and
// dedup rules, and forwards surviving messages to the client as realtime
// (and, where indicated, utterance_end) frames. It runs as its own
// goroutine alongside readLoop, talking to sessionLoop only through
// session.Session.AdmitResult and the shared writeJSON mutex — never by
// touching sessionLoop fields directly (spec §9 "cyclic ownership...
// message passing").
func (l *sessionLoop) routeResults(ctx context.Context, sub broker.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.Channel():
			if !ok {
				return
			}
			l.routeOne(ctx, payload)
		}
	}
}

func (l *sessionLoop) routeOne(ctx context.Context, payload []byte) {
	msg, err := jobs.DecodeResultMessage(payload)
	if err != nil {
		l.srv.logger.Warn("gateway: malformed result message", "session_id", l.clientID, "err", err)
		return
	}

	now := time.Now()
	deliver, utteranceEnd := l.sess.AdmitResult(msg, now)
	if !deliver {
		return
	}

	nowMs := now.UnixMilli()
	l.writeJSON(ctx, realtimeFrame{
		Type:        "realtime",
		Text:        msg.Text,
		Translation: msg.Translation,
		IsFinal:     msg.IsFinal,
		ClientID:    l.clientID,
		Timestamp:   nowMs,
		SegmentID:   msg.SegmentSeq,
	})

	if utteranceEnd {
		l.writeJSON(ctx, utteranceEndFrame{
			Type:      "utterance_end",
			ClientID:  l.clientID,
			Timestamp: nowMs,
		})
	}
}
