// Package channel derives pub/sub topic names and capability patterns from
// a tunnel identifier. Ingress and agent compute identical names
// independently, so no coordination message is needed to set up a
// response channel.
package channel

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	topicRoot       = "tunnel"
	requestSegment  = "request"
	responseSegment = "response"

	// MaxTunnelIDLength is the DNS label limit.
	MaxTunnelIDLength = 63

	requestIDBytes = 16
)

// Kind classifies a parsed topic.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidTunnelID  = errors.New("invalid tunnel id")
	ErrInvalidRequestID = errors.New("invalid request id")
	ErrInvalidTopic     = errors.New("invalid topic")
)

// RequestTopic returns the topic an agent subscribes to for tunnel id.
func RequestTopic(id string) string {
	return topicRoot + "/" + id + "/" + requestSegment
}

// ResponseTopic returns the ephemeral per-request response topic.
func ResponseTopic(id, requestID string) string {
	return topicRoot + "/" + id + "/" + responseSegment + "/" + requestID
}

// CapabilityPattern returns the credential pattern covering every topic of
// tunnel id.
func CapabilityPattern(id string) string {
	return topicRoot + ":" + id + ":*"
}

// PatternAllows reports whether a capability pattern of the form
// "tunnel:{id}:*" grants access to topic.
func PatternAllows(pattern, topic string) bool {
	rest, ok := strings.CutPrefix(pattern, topicRoot+":")
	if !ok {
		return false
	}
	id, ok := strings.CutSuffix(rest, ":*")
	if !ok || ValidateTunnelID(id) != nil {
		return false
	}
	t, err := ParseTopic(topic)
	if err != nil {
		return false
	}
	return t.TunnelID == id
}

// NewRequestID returns a 128-bit random identifier, hex encoded. The value
// must be unguessable so a third party on a shared bus cannot squat the
// response topic.
func NewRequestID() (string, error) {
	b := make([]byte, requestIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ValidateTunnelID checks that id is a lowercase DNS label.
func ValidateTunnelID(id string) error {
	if id == "" || len(id) > MaxTunnelIDLength {
		return fmt.Errorf("%w: length must be 1..%d", ErrInvalidTunnelID, MaxTunnelIDLength)
	}
	if id[0] == '-' || id[len(id)-1] == '-' {
		return fmt.Errorf("%w: %q must not start or end with a hyphen", ErrInvalidTunnelID, id)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			continue
		}
		return fmt.Errorf("%w: %q contains %q", ErrInvalidTunnelID, id, c)
	}
	return nil
}

// ValidateRequestID checks that rid has the shape produced by
// [NewRequestID].
func ValidateRequestID(rid string) error {
	if len(rid) != requestIDBytes*2 {
		return fmt.Errorf("%w: want %d hex characters", ErrInvalidRequestID, requestIDBytes*2)
	}
	for i := 0; i < len(rid); i++ {
		c := rid[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			continue
		}
		return fmt.Errorf("%w: %q", ErrInvalidRequestID, rid)
	}
	return nil
}

// Topic is the parsed form of a topic name.
type Topic struct {
	Kind      Kind
	TunnelID  string
	RequestID string
}

// ParseTopic splits a topic produced by [RequestTopic] or [ResponseTopic].
func ParseTopic(topic string) (Topic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != topicRoot {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if err := ValidateTunnelID(parts[1]); err != nil {
		return Topic{}, fmt.Errorf("%w: %q: %v", ErrInvalidTopic, topic, err)
	}
	switch {
	case len(parts) == 3 && parts[2] == requestSegment:
		return Topic{Kind: KindRequest, TunnelID: parts[1]}, nil
	case len(parts) == 4 && parts[2] == responseSegment:
		if err := ValidateRequestID(parts[3]); err != nil {
			return Topic{}, fmt.Errorf("%w: %q: %v", ErrInvalidTopic, topic, err)
		}
		return Topic{Kind: KindResponse, TunnelID: parts[1], RequestID: parts[3]}, nil
	}
	return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
}

// TunnelFromHost extracts the tunnel id from a host of the form
// "{id}.{baseDomain}". The host must already be normalized (lowercase, no
// port).
func TunnelFromHost(host, baseDomain string) (string, bool) {
	if baseDomain == "" {
		return "", false
	}
	label, ok := strings.CutSuffix(host, "."+baseDomain)
	if !ok || label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}
