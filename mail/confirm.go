package mail

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"
)

// Confirmation is an outbound message ready to be queued: the envelope
// return path, the recipients it should be delivered to, and the raw bytes.
type Confirmation struct {
	ReturnPath string
	Recipients []string
	Data       []byte
}

const confirmTextTemplate = `Hello,

Your email to {{.RcptTo}}{{if .Subject}} (subject: {{.Subject}}){{end}} has been
received by the relay and is waiting to be released.

To release it, visit the link below:

    {{.ReleaseLink}}

If you did not send this email you can safely ignore this message.
`

const confirmHTMLTemplate = `<html>
<body>
<p>Hello,</p>
<p>Your email to <b>{{.RcptTo}}</b>{{if .Subject}} (subject: {{.Subject}}){{end}} has been
received by the relay and is waiting to be released.</p>
<p><a href="{{.ReleaseLink}}">Release my email</a></p>
<p>If you did not send this email you can safely ignore this message.</p>
</body>
</html>
`

var (
	confirmText = texttemplate.Must(texttemplate.New("confirm_email.txt").Parse(confirmTextTemplate))
	confirmHTML = htmltemplate.Must(htmltemplate.New("confirm_email.html").Parse(confirmHTMLTemplate))
)

type confirmContext struct {
	RcptTo      string
	Subject     string
	ReleaseLink string
}

// BuildConfirmation renders the confirmation email for a received message.
// The confirmation goes to the message's Reply-To addresses when present,
// otherwise to its From addresses. msgID must be a fresh message id (without
// angle brackets); now stamps the Date header.
func BuildConfirmation(rcptTo string, orig *Message, fromAddr, releaseLink, msgID string, now time.Time) (*Confirmation, error) {
	ctx := confirmContext{
		RcptTo:      rcptTo,
		Subject:     DecodeHeader(orig.Subject),
		ReleaseLink: releaseLink,
	}
	var textBody, htmlBody bytes.Buffer
	if err := confirmText.Execute(&textBody, ctx); err != nil {
		return nil, err
	}
	if err := confirmHTML.Execute(&htmlBody, ctx); err != nil {
		return nil, err
	}

	recipients := orig.ConfirmationRecipients()
	rcptAddrs := make([]string, 0, len(recipients))
	headerTo := make([]string, 0, len(recipients))
	for _, mb := range recipients {
		rcptAddrs = append(rcptAddrs, mb.Addr)
		headerTo = append(headerTo, mb.String())
	}

	boundary := "confirm-" + strings.Replace(msgID, "@", "-", -1)

	var buf bytes.Buffer
	writeHeader := func(name, value string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", name, EncodeHeader(value))
	}
	writeHeader("From", "<"+fromAddr+">")
	writeHeader("To", strings.Join(headerTo, ", "))
	writeHeader("Date", now.UTC().Format(time.RFC1123Z))
	writeHeader("Subject", fmt.Sprintf("Re: Your email to %s", rcptTo))
	writeHeader("Message-ID", "<"+msgID+">")
	if orig.MessageID != "" {
		writeHeader("In-Reply-To", "<"+orig.MessageID+">")
	}
	if len(orig.References) > 0 {
		refs := make([]string, 0, len(orig.References))
		for _, r := range orig.References {
			refs = append(refs, "<"+r+">")
		}
		writeHeader("References", strings.Join(refs, " "))
	}
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
	buf.WriteString("\r\n")

	writePart := func(contentType string, body []byte) {
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		fmt.Fprintf(&buf, "Content-Type: %s; charset=utf-8\r\n", contentType)
		buf.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
		buf.Write(crlfNormalize(body))
		buf.WriteString("\r\n")
	}
	writePart("text/plain", textBody.Bytes())
	writePart("text/html", htmlBody.Bytes())
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)

	return &Confirmation{
		ReturnPath: fromAddr,
		Recipients: rcptAddrs,
		Data:       buf.Bytes(),
	}, nil
}

// crlfNormalize rewrites bare LF line endings to CRLF
func crlfNormalize(data []byte) []byte {
	var out bytes.Buffer
	var prev byte
	for _, b := range data {
		if b == '\n' && prev != '\r' {
			out.WriteByte('\r')
		}
		out.WriteByte(b)
		prev = b
	}
	return out.Bytes()
}
