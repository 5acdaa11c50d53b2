package mail

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io/ioutil"
	"mime"
	"mime/quotedprintable"
	"strings"
)

// HeaderField is a single header name/value pair. Order of fields in a part
// is preserved as received.
type HeaderField struct {
	Name  string
	Value string
}

// Part is one node of a parsed MIME message. Body holds the decoded content,
// RawBody the content as it appeared on the wire (still transfer-encoded).
// Multipart nodes carry their children in Subparts, in order.
type Part struct {
	Headers  []HeaderField
	Body     []byte
	RawBody  []byte
	Subparts []*Part
}

// HeaderValue returns the value of the first header with the given name,
// compared case-insensitively, or "" if the part has none
func (p *Part) HeaderValue(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HeaderValues returns the values of every header with the given name, in order
func (p *Part) HeaderValues(name string) []string {
	var out []string
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// SetHeader removes any headers with the given name and appends a single
// replacement
func (p *Part) SetHeader(name, value string) {
	kept := p.Headers[:0]
	for _, h := range p.Headers {
		if !strings.EqualFold(h.Name, name) {
			kept = append(kept, h)
		}
	}
	p.Headers = append(kept, HeaderField{Name: name, Value: value})
}

// TransferEncoding returns the part's declared Content-Transfer-Encoding,
// lowercased, defaulting to 7bit
func (p *Part) TransferEncoding() string {
	enc := strings.ToLower(strings.TrimSpace(p.HeaderValue("Content-Transfer-Encoding")))
	if enc == "" {
		enc = "7bit"
	}
	return enc
}

// Parse parses a byte buffer into a tree of MIME parts. Headers are kept in
// received order; multipart bodies are split on their boundary and parsed
// recursively.
func Parse(data []byte) (*Part, error) {
	p := &Part{}
	head, body := splitHeaderBody(data)
	if err := p.parseHeaderBlock(head); err != nil {
		return nil, err
	}
	p.RawBody = body

	mediaType := ""
	var params map[string]string
	if ct := p.HeaderValue("Content-Type"); ct != "" {
		var err error
		mediaType, params, err = mime.ParseMediaType(ct)
		if err != nil {
			return nil, err
		}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, errors.New("multipart part without a boundary")
		}
		chunks := splitMultipart(body, boundary)
		for _, chunk := range chunks {
			sub, err := Parse(chunk)
			if err != nil {
				return nil, err
			}
			p.Subparts = append(p.Subparts, sub)
		}
		p.Body = body
		return p, nil
	}

	decoded, err := decodeTransferEncoding(body, p.TransferEncoding())
	if err != nil {
		return nil, err
	}
	p.Body = decoded
	return p, nil
}

// splitHeaderBody splits raw message bytes at the first blank line
func splitHeaderBody(data []byte) (head, body []byte) {
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return data[:i], data[i+4:]
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return data[:i], data[i+2:]
	}
	return data, nil
}

// parseHeaderBlock parses an ordered header block, unfolding continuation lines
func (p *Part) parseHeaderBlock(head []byte) error {
	lines := bytes.Split(head, []byte("\n"))
	for _, raw := range lines {
		line := strings.TrimRight(string(raw), "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			// folded continuation of the previous field
			if len(p.Headers) == 0 {
				return errors.New("header continuation without a header")
			}
			last := &p.Headers[len(p.Headers)-1]
			last.Value += " " + strings.TrimLeft(line, " \t")
			continue
		}
		colon := strings.Index(line, ":")
		if colon < 1 {
			return errors.New("malformed header line")
		}
		p.Headers = append(p.Headers, HeaderField{
			Name:  strings.TrimRight(line[:colon], " "),
			Value: strings.TrimSpace(line[colon+1:]),
		})
	}
	return nil
}

// splitMultipart cuts a multipart body into its sub-part chunks. The preamble
// and epilogue are discarded.
func splitMultipart(body []byte, boundary string) [][]byte {
	delim := "--" + boundary
	closeDelim := delim + "--"
	var chunks [][]byte
	var current *bytes.Buffer

	lines := bytes.SplitAfter(body, []byte("\n"))
	finish := func() {
		if current == nil {
			return
		}
		chunk := current.Bytes()
		// the CRLF before a delimiter belongs to the delimiter
		chunk = bytes.TrimSuffix(chunk, []byte("\n"))
		chunk = bytes.TrimSuffix(chunk, []byte("\r"))
		chunks = append(chunks, chunk)
		current = nil
	}
	for _, raw := range lines {
		line := strings.TrimRight(string(raw), "\r\n")
		if line == closeDelim {
			finish()
			break
		}
		if line == delim {
			finish()
			current = &bytes.Buffer{}
			continue
		}
		if current != nil {
			current.Write(raw)
		}
	}
	finish()
	return chunks
}

// decodeTransferEncoding decodes a body according to its declared
// Content-Transfer-Encoding. Unknown encodings pass through untouched.
func decodeTransferEncoding(body []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "base64":
		compact := strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' || r == ' ' || r == '\t' {
				return -1
			}
			return r
		}, string(body))
		out, err := base64.StdEncoding.DecodeString(compact)
		if err != nil {
			return nil, err
		}
		return out, nil
	case "quoted-printable":
		out, err := ioutil.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err != nil {
			// tolerate sloppy encoders the same way the header decoder does
			return body, nil
		}
		return out, nil
	default:
		return body, nil
	}
}
