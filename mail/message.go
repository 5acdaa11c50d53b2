package mail

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Message is a parsed and validated RFC 5322 message. The header fields that
// carry structural meaning are lifted out of the part tree; Root holds the
// full tree for persistence.
type Message struct {
	Date       time.Time
	From       []Mailbox
	Sender     *Mailbox
	ReplyTo    []Mailbox
	To         []Mailbox
	Cc         []Mailbox
	Bcc        []Mailbox
	Subject    string
	HasSubject bool
	MessageID  string
	InReplyTo  []string
	References []string
	Root       *Part
}

// ParseMessage parses data into a part tree and validates the envelope
// headers:
//   - Date: exactly one, parseable
//   - From: exactly one, with at least one address
//   - Sender: required when From has more than one address, forbidden otherwise
//   - Reply-To, To, Cc, Bcc, Subject, Message-ID, In-Reply-To, References:
//     at most one each; Message-ID must contain exactly one msg-id
//
// Any violation is a validation failure carrying the parser's diagnostic.
func ParseMessage(data []byte) (*Message, error) {
	root, err := Parse(data)
	if err != nil {
		return nil, err
	}
	m := &Message{Root: root}

	switch dates := root.HeaderValues("Date"); len(dates) {
	case 1:
		t, err := mail.ParseDate(dates[0])
		if err != nil {
			return nil, err
		}
		m.Date = t.UTC()
	default:
		return nil, errors.New("Invalid number of Date headers")
	}

	switch froms := root.HeaderValues("From"); len(froms) {
	case 1:
		list, err := ap.ParseList(froms[0])
		if err != nil {
			return nil, err
		}
		if len(list) < 1 {
			return nil, errors.New("Invalid number of From addresses")
		}
		m.From = toMailboxes(list)
	default:
		return nil, errors.New("Invalid number of From headers")
	}

	// Sender is required when From is plural and forbidden when it isn't
	switch senders := root.HeaderValues("Sender"); len(senders) {
	case 0:
		if len(m.From) != 1 {
			return nil, errors.New("Invalid number of Sender headers")
		}
	case 1:
		if len(m.From) == 1 {
			return nil, errors.New("Invalid number of Sender headers")
		}
		list, err := ap.ParseList(senders[0])
		if err != nil {
			return nil, err
		}
		if len(list) != 1 {
			return nil, errors.New("Only a single address is allowed as a Sender")
		}
		mb := Mailbox{Name: list[0].Name, Addr: list[0].Address}
		m.Sender = &mb
	default:
		return nil, errors.New("Invalid number of Sender headers")
	}

	if m.ReplyTo, err = optionalAddressList(root, "Reply-To"); err != nil {
		return nil, err
	}
	if m.ReplyTo != nil && len(m.ReplyTo) < 1 {
		return nil, errors.New("Invalid number of Reply-To addresses")
	}
	if m.To, err = optionalAddressList(root, "To"); err != nil {
		return nil, err
	}
	if m.Cc, err = optionalAddressList(root, "Cc"); err != nil {
		return nil, err
	}
	if m.Bcc, err = optionalAddressList(root, "Bcc"); err != nil {
		return nil, err
	}

	switch subjects := root.HeaderValues("Subject"); len(subjects) {
	case 0:
	case 1:
		m.Subject = subjects[0]
		m.HasSubject = true
	default:
		return nil, errors.New("Invalid number of Subject headers")
	}

	switch ids := root.HeaderValues("Message-ID"); len(ids) {
	case 0:
	case 1:
		parsed, err := ParseMsgIDs(ids[0])
		if err != nil {
			return nil, err
		}
		if len(parsed) != 1 {
			return nil, errors.New("Invalid number of Message-IDs")
		}
		m.MessageID = parsed[0]
	default:
		return nil, errors.New("Invalid number of Message-ID headers")
	}

	if m.InReplyTo, err = optionalMsgIDList(root, "In-Reply-To"); err != nil {
		return nil, err
	}
	if m.References, err = optionalMsgIDList(root, "References"); err != nil {
		return nil, err
	}

	return m, nil
}

func optionalAddressList(root *Part, name string) ([]Mailbox, error) {
	switch vals := root.HeaderValues(name); len(vals) {
	case 0:
		return nil, nil
	case 1:
		list, err := ap.ParseList(vals[0])
		if err != nil {
			return nil, err
		}
		return toMailboxes(list), nil
	default:
		return nil, fmt.Errorf("Invalid number of %s headers", name)
	}
}

func optionalMsgIDList(root *Part, name string) ([]string, error) {
	switch vals := root.HeaderValues(name); len(vals) {
	case 0:
		return nil, nil
	case 1:
		return ParseMsgIDs(vals[0])
	default:
		return nil, fmt.Errorf("Invalid number of %s headers", name)
	}
}

// ParseMsgIDs parses a header value against the msg-id grammar: one or more
// angle-bracketed identifiers, separated by whitespace or commas
func ParseMsgIDs(value string) ([]string, error) {
	var out []string
	rest := value
	for {
		rest = strings.TrimLeft(rest, " \t,")
		if rest == "" {
			break
		}
		if rest[0] != '<' {
			return nil, errors.New("invalid msg-id")
		}
		end := strings.Index(rest, ">")
		if end < 0 {
			return nil, errors.New("unterminated msg-id")
		}
		id := rest[1:end]
		if id == "" || !strings.Contains(id, "@") {
			return nil, errors.New("invalid msg-id")
		}
		out = append(out, id)
		rest = rest[end+1:]
	}
	if len(out) == 0 {
		return nil, errors.New("no msg-ids found")
	}
	return out, nil
}

// FromList returns the From mailboxes; validation guarantees at least one.
// Used when persisting inbound mail.
func (m *Message) FromList() []Mailbox {
	return m.From
}

// ReplyToList returns the Reply-To mailboxes, or nil when the header is absent
func (m *Message) ReplyToList() []Mailbox {
	return m.ReplyTo
}

// ConfirmationRecipients returns where a confirmation for this message should
// go: Reply-To when present, From otherwise
func (m *Message) ConfirmationRecipients() []Mailbox {
	if m.ReplyTo != nil {
		return m.ReplyTo
	}
	return m.From
}
