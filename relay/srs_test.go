package relay

import (
	"strings"
	"testing"

	"github.com/relaymta/smtpd/internal/set"
)

func TestNeedsSRS(t *testing.T) {
	locals := set.NewString("example.com")

	if needsSRS("<>", locals) {
		t.Error("null sender should never need SRS")
	}
	if needsSRS("a@example.com", locals) {
		t.Error("local sender should not need SRS")
	}
	if !needsSRS("a@other.com", locals) {
		t.Error("foreign sender should need SRS")
	}
}

func TestRewriteSender(t *testing.T) {
	got := rewriteSender("a@other.com", "b@example.com")
	if !strings.HasPrefix(got, "b+fwd_from=") {
		t.Errorf("rewriteSender = %q, expected prefix b+fwd_from=", got)
	}
	if !strings.HasSuffix(got, "@example.com") {
		t.Errorf("rewriteSender = %q, expected domain example.com", got)
	}
}
