package mail

import (
	"errors"
	"net/mail"
	"strings"
)

var ap = mail.AddressParser{}

// ParsePath extracts the bare user@domain address from an SMTP path
// argument such as "<user@example.com>", "user@example.com" or
// "Display <user@example.com>". A path without a domain is rejected.
func ParsePath(arg string) (string, error) {
	parsed, err := ap.Parse(arg)
	if err != nil {
		return "", err
	}
	if at := strings.LastIndex(parsed.Address, "@"); at < 1 || at == len(parsed.Address)-1 {
		return "", errors.New("address has no domain")
	}
	return parsed.Address, nil
}

// Mailbox is a display name with an address, as found in message headers
// such as From and Reply-To
type Mailbox struct {
	Name string
	Addr string
}

// String renders the mailbox the way net/mail does, eg. "Gogh Fir" <gf@example.com>
func (m Mailbox) String() string {
	a := mail.Address{Name: m.Name, Address: m.Addr}
	return a.String()
}

func toMailboxes(list []*mail.Address) []Mailbox {
	out := make([]Mailbox, 0, len(list))
	for _, a := range list {
		out = append(out, Mailbox{Name: a.Name, Addr: a.Address})
	}
	return out
}
