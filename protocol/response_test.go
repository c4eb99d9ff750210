package protocol

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestResponseString(t *testing.T) {
	cases := []struct {
		name string
		r    Response
		exp  string
	}{
		{
			name: "single line",
			r:    Reply(250, "OK"),
			exp:  "250 OK\r\n",
		},
		{
			name: "multi line",
			r: Response{
				Code:  250,
				Lines: []string{"smtp.example.com", "PIPELINING", "8BITMIME"},
			},
			exp: "250-smtp.example.com\r\n250-PIPELINING\r\n250 8BITMIME\r\n",
		},
		{
			name: "enhanced code",
			r:    EnhancedReply(550, "5.1.1", "mailbox unavailable"),
			exp:  "550 5.1.1 mailbox unavailable\r\n",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := c.r.String()
			if diff := cmp.Diff(c.exp, got); diff != "" {
				t.Errorf("unexpected output (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResponseClassification(t *testing.T) {
	if !Reply(250, "OK").IsSuccess() {
		t.Errorf("250 should be a success")
	}
	if !Reply(354, "go ahead").IsSuccess() {
		t.Errorf("354 should be a success (continuation)")
	}
	if !Reply(450, "try later").IsTransientError() {
		t.Errorf("450 should be transient")
	}
	if !Reply(550, "no").IsPermanentError() {
		t.Errorf("550 should be permanent")
	}
	if Reply(250, "OK").IsPermanentError() {
		t.Errorf("250 should not be permanent")
	}
}
