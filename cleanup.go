package routerlink

import (
	"time"

	"github.com/sirupsen/logrus"
)

// sweep removes peers that have had no session for longer than the session
// creation timeout. A peer with a live session is never removed. Runs on the
// loop with the registry write lock held.
func (t *Transports) sweep(now time.Time) {
	removed := 0
	for _, p := range t.peers {
		if len(p.sessions) > 0 || now.Sub(p.createdAt) <= t.opts.SessionCreationTimeout {
			continue
		}

		reason := ErrSessionCreationTimeout
		if p.descriptor == nil {
			reason = ErrRouterNotFound
		}

		logrus.WithFields(logrus.Fields{
			"function": "Transports.sweep",
			"ident":    p.ident.Short(),
			"state":    p.state.String(),
			"age":      now.Sub(p.createdAt).String(),
			"backlog":  len(p.backlog),
		}).Info("Session creation timed out, removing router")

		t.removePeer(p, reason)
		removed++
	}

	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "Transports.sweep",
			"removed":   removed,
			"remaining": len(t.peers),
		}).Debug("Peer cleanup finished")
	}
}
