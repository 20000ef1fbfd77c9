package channel

import (
	"errors"
	"strings"
	"testing"
)

func TestTopicNames(t *testing.T) {
	t.Parallel()

	if got := RequestTopic("demo"); got != "tunnel/demo/request" {
		t.Fatalf("RequestTopic = %q", got)
	}
	rid := strings.Repeat("ab", 16)
	if got := ResponseTopic("demo", rid); got != "tunnel/demo/response/"+rid {
		t.Fatalf("ResponseTopic = %q", got)
	}
	if got := CapabilityPattern("demo"); got != "tunnel:demo:*" {
		t.Fatalf("CapabilityPattern = %q", got)
	}
}

func TestNewRequestIDUniqueAndValid(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 256)
	for i := 0; i < 256; i++ {
		rid, err := NewRequestID()
		if err != nil {
			t.Fatal(err)
		}
		if err := ValidateRequestID(rid); err != nil {
			t.Fatalf("generated id %q rejected: %v", rid, err)
		}
		if _, dup := seen[rid]; dup {
			t.Fatalf("duplicate request id %q", rid)
		}
		seen[rid] = struct{}{}
	}
}

func TestValidateTunnelID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		id string
		ok bool
	}{
		{"demo", true},
		{"my-app-2", true},
		{"a", true},
		{strings.Repeat("a", 63), true},
		{"", false},
		{strings.Repeat("a", 64), false},
		{"-demo", false},
		{"demo-", false},
		{"Demo", false},
		{"de.mo", false},
		{"de/mo", false},
		{"de*mo", false},
		{"de_mo", false},
	}
	for _, tc := range cases {
		err := ValidateTunnelID(tc.id)
		if (err == nil) != tc.ok {
			t.Fatalf("ValidateTunnelID(%q) err=%v, want ok=%v", tc.id, err, tc.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidTunnelID) {
			t.Fatalf("ValidateTunnelID(%q) err=%v, want ErrInvalidTunnelID", tc.id, err)
		}
	}
}

func TestParseTopic(t *testing.T) {
	t.Parallel()

	rid := strings.Repeat("0f", 16)
	cases := []struct {
		topic   string
		want    Topic
		wantErr bool
	}{
		{"tunnel/demo/request", Topic{Kind: KindRequest, TunnelID: "demo"}, false},
		{"tunnel/demo/response/" + rid, Topic{Kind: KindResponse, TunnelID: "demo", RequestID: rid}, false},
		{"tunnel/demo/response/xyz", Topic{}, true},
		{"tunnel/demo", Topic{}, true},
		{"tunnel/Demo/request", Topic{}, true},
		{"other/demo/request", Topic{}, true},
		{"tunnel/demo/request/extra", Topic{}, true},
	}
	for _, tc := range cases {
		got, err := ParseTopic(tc.topic)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseTopic(%q) err=%v, wantErr=%v", tc.topic, err, tc.wantErr)
		}
		if err == nil && got != tc.want {
			t.Fatalf("ParseTopic(%q) = %+v, want %+v", tc.topic, got, tc.want)
		}
	}
}

func TestPatternAllows(t *testing.T) {
	t.Parallel()

	rid := strings.Repeat("12", 16)
	pattern := CapabilityPattern("demo")
	if !PatternAllows(pattern, RequestTopic("demo")) {
		t.Fatal("expected request topic to be allowed")
	}
	if !PatternAllows(pattern, ResponseTopic("demo", rid)) {
		t.Fatal("expected response topic to be allowed")
	}
	if PatternAllows(pattern, RequestTopic("other")) {
		t.Fatal("expected other tunnel to be rejected")
	}
	if PatternAllows(pattern, RequestTopic("demo2")) {
		t.Fatal("expected prefix-sharing tunnel to be rejected")
	}
	if PatternAllows("tunnel:*:*", RequestTopic("demo")) {
		t.Fatal("expected wildcard tunnel pattern to be rejected")
	}
}

func TestIndependentDerivationMatches(t *testing.T) {
	t.Parallel()

	rid, err := NewRequestID()
	if err != nil {
		t.Fatal(err)
	}
	ingress := ResponseTopic("demo", rid)
	agent := ResponseTopic("demo", rid)
	if ingress != agent {
		t.Fatalf("derived topics differ: %q vs %q", ingress, agent)
	}
}

func TestTunnelFromHost(t *testing.T) {
	t.Parallel()

	cases := []struct {
		host string
		id   string
		ok   bool
	}{
		{"demo.example.com", "demo", true},
		{"example.com", "", false},
		{"a.b.example.com", "", false},
		{"demo.other.com", "", false},
	}
	for _, tc := range cases {
		id, ok := TunnelFromHost(tc.host, "example.com")
		if id != tc.id || ok != tc.ok {
			t.Fatalf("TunnelFromHost(%q) = (%q, %v), want (%q, %v)", tc.host, id, ok, tc.id, tc.ok)
		}
	}
}
