package gcal

import (
	"errors"
	"net/http"
)

// Push is the header set Google sends with a watch channel notification.
type Push struct {
	ChannelID     string
	Token         string
	ResourceState string
	ResourceID    string
	MessageNumber string
}

// IsSync reports whether the push is the handshake sent when a channel is
// created. It carries no changes.
func (p Push) IsSync() bool {
	return p.ResourceState == "sync"
}

// ParsePushHeaders reads the X-Goog-* headers of a push notification.
func ParsePushHeaders(h http.Header) (Push, error) {
	p := Push{
		ChannelID:     h.Get("X-Goog-Channel-ID"),
		Token:         h.Get("X-Goog-Channel-Token"),
		ResourceState: h.Get("X-Goog-Resource-State"),
		ResourceID:    h.Get("X-Goog-Resource-ID"),
		MessageNumber: h.Get("X-Goog-Message-Number"),
	}
	if p.ChannelID == "" {
		return Push{}, errors.New("gcal: missing X-Goog-Channel-ID header")
	}
	if p.ResourceState == "" {
		return Push{}, errors.New("gcal: missing X-Goog-Resource-State header")
	}
	return p, nil
}
