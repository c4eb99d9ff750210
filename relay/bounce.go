package relay

import (
	"bytes"
	"context"
	"net/mail"
	"text/template"
	"time"

	"github.com/relaymta/smtpd/internal/trace"
)

// maxOrigMsgLen bounds how much of the original message is quoted in a
// bounce, since the recipient of the DSN may have a smaller size limit than
// what this server originally accepted.
const maxOrigMsgLen = 256 * 1024

// sendBounce generates a delivery status notification for msg's failed and
// still-pending recipients and re-enqueues it addressed back to the
// original sender. It is a non-recursive terminal step: bounces are always
// sent with a null return path ("<>"), so a bounce can never itself bounce.
//
// Adapted from internal/queue/dsn.go's deliveryStatusNotification.
func (q *Queue) sendBounce(ctx context.Context, tr *trace.Trace, msg *Message) {
	tr.Debugf("generating bounce for %s", msg.ID)

	domain := "unknown"
	if q.LocalDomains != nil && q.LocalDomains.Has(domainOf(msg.From)) {
		domain = domainOf(msg.From)
	} else {
		for _, r := range msg.Recipients {
			if q.LocalDomains != nil && q.LocalDomains.Has(domainOf(r.OriginalAddress)) {
				domain = domainOf(r.OriginalAddress)
				break
			}
		}
	}

	data, err := deliveryStatusNotification(domain, msg)
	if err != nil {
		tr.Errorf("failed to build bounce: %v", err)
		return
	}

	bounce := &Message{
		ID:        newQueueID(),
		From:      "<>",
		Data:      data,
		Priority:  High,
		CreatedAt: time.Now(),
		Status:    Queued,
		Recipients: []*Recipient{{
			Address:         msg.From,
			OriginalAddress: msg.From,
			Status:          RecipientPending,
		}},
	}

	if err := bounce.writeTo(q.Dir); err != nil {
		tr.Errorf("failed to persist bounce %s: %v", bounce.ID, err)
		return
	}

	q.mu.Lock()
	q.q[bounce.ID] = bounce
	q.mu.Unlock()

	tr.Printf("queued bounce: %s", bounce.ID)
	go q.sendLoop(ctx, bounce)
}

func deliveryStatusNotification(ourDomain string, msg *Message) ([]byte, error) {
	info := dsnInfo{
		OurDomain:   ourDomain,
		Destination: msg.From,
		MessageID:   "relay-dsn-" + msg.ID + "@" + ourDomain,
		Date:        time.Now().Format(time.RFC1123Z),
		Boundary:    msg.ID + "-dsn",
	}

	for _, r := range msg.Recipients {
		switch r.Status {
		case RecipientFailed:
			info.FailedRecipients = append(info.FailedRecipients, r)
		case RecipientPending:
			info.PendingRecipients = append(info.PendingRecipients, r)
		}
	}

	if len(msg.Data) > maxOrigMsgLen {
		info.OriginalMessage = string(msg.Data[:maxOrigMsgLen])
	} else {
		info.OriginalMessage = string(msg.Data)
	}
	info.OriginalMessageID = originalMessageID(msg.Data)

	buf := &bytes.Buffer{}
	err := dsnTemplate.Execute(buf, info)
	return buf.Bytes(), err
}

func originalMessageID(data []byte) string {
	m, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return m.Header.Get("Message-ID")
}

type dsnInfo struct {
	OurDomain         string
	Destination       string
	MessageID         string
	Date              string
	FailedRecipients  []*Recipient
	PendingRecipients []*Recipient
	OriginalMessage   string
	OriginalMessageID string
	Boundary          string
}

var dsnTemplate = template.Must(template.New("dsn").Parse(
	`From: Mail Delivery System <postmaster@{{.OurDomain}}>
To: <{{.Destination}}>
Subject: Mail delivery failed: returning message to sender
Message-ID: <{{.MessageID}}>
Date: {{.Date}}
In-Reply-To: {{.OriginalMessageID}}
References: {{.OriginalMessageID}}
Auto-Submitted: auto-replied
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status;
    boundary="{{.Boundary}}"


--{{.Boundary}}
Content-Type: text/plain; charset="utf-8"

Delivery of your message failed for the following recipient(s):
{{range .FailedRecipients}}
  {{.Address}}: {{.LastFailureMessage}}
{{- end}}
{{range .PendingRecipients}}
  {{.Address}}: timed out after repeated temporary failures, last error:
    {{.LastFailureMessage}}
{{- end}}

--{{.Boundary}}
Content-Type: message/delivery-status

Reporting-MTA: dns; {{.OurDomain}}
{{range .FailedRecipients}}
Final-Recipient: rfc822; {{.Address}}
Action: failed
Status: 5.0.0
Diagnostic-Code: smtp; {{.LastFailureMessage}}
{{end}}
{{range .PendingRecipients}}
Final-Recipient: rfc822; {{.Address}}
Action: delayed
Status: 4.0.0
Diagnostic-Code: smtp; {{.LastFailureMessage}}
{{end}}

--{{.Boundary}}
Content-Type: message/rfc822

{{.OriginalMessage}}

--{{.Boundary}}--
`))
