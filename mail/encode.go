package mail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io/ioutil"
	"mime/quotedprintable"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// encodedWordChunk is the number of raw bytes packed into one encoded-word.
// Chunks are cut at byte boundaries, not code-point boundaries.
const encodedWordChunk = 48

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

// EncodeHeader prepares a header value for transmission. Pure ASCII values
// pass through verbatim; anything else is split into base64 encoded-words of
// the form =?utf-8?B?...?=, folded with CRLF SP between words.
func EncodeHeader(value string) string {
	if isASCII(value) {
		return value
	}
	data := []byte(value)
	var sb strings.Builder
	first := true
	for len(data) > 0 {
		if !first {
			sb.WriteString("\r\n ")
		}
		chunk := data
		if len(chunk) > encodedWordChunk {
			chunk = data[:encodedWordChunk]
		}
		data = data[len(chunk):]
		fmt.Fprintf(&sb, "=?utf-8?B?%s?=", base64.StdEncoding.EncodeToString(chunk))
		first = false
	}
	return sb.String()
}

var encodedWordRegex = regexp.MustCompile(`=\?(.+?)\?([QBqb])\?(.+?)\?=`)

// DecodeHeader decodes encoded-words in a header value back to UTF-8.
// Charsets other than UTF-8 are converted via the IANA index.
func DecodeHeader(value string) string {
	matched := encodedWordRegex.FindAllStringSubmatch(value, -1)
	for i := 0; i < len(matched); i++ {
		if len(matched[i]) < 4 {
			continue
		}
		charset := matched[i][1]
		encoding := strings.ToUpper(matched[i][2])
		payload := matched[i][3]
		var decoded string
		switch encoding {
		case "B":
			decoded = fromBase64(payload)
		case "Q":
			decoded = fromQuotedP(payload)
		}
		value = strings.Replace(value, matched[i][0], toUTF8(decoded, charset), 1)
	}
	return value
}

// toUTF8 converts str from the named charset to UTF-8
func toUTF8(str, charset string) string {
	if strings.EqualFold(charset, "UTF-8") || strings.EqualFold(charset, "US-ASCII") {
		return str
	}
	enc, err := ianaindex.MIME.Encoding(charset)
	if err != nil || enc == nil {
		return str
	}
	out, _, err := transform.String(enc.NewDecoder(), str)
	if err != nil {
		return str
	}
	return out
}

func fromBase64(data string) string {
	buf := bytes.NewBufferString(data)
	decoder := base64.NewDecoder(base64.StdEncoding, buf)
	res, _ := ioutil.ReadAll(decoder)
	return string(res)
}

func fromQuotedP(data string) string {
	res, _ := ioutil.ReadAll(quotedprintable.NewReader(strings.NewReader(data)))
	return string(res)
}

// EncodeBody selects the on-the-wire form of a part's body given the peer's
// negotiated capabilities. 8bit bodies are downgraded to quoted-printable for
// peers without 8BITMIME, binary bodies for peers without BINARYMIME; the
// part's Content-Transfer-Encoding header is rewritten when a downgrade
// happens. Everything else passes through as received.
func EncodeBody(p *Part, utf8Support, binarySupport bool) []byte {
	switch p.TransferEncoding() {
	case "8bit":
		if utf8Support {
			return p.RawBody
		}
	case "binary":
		if binarySupport {
			return p.RawBody
		}
	default:
		return p.RawBody
	}
	encoded := qpEncode(p.RawBody)
	p.SetHeader("Content-Transfer-Encoding", "quoted-printable")
	return encoded
}

func qpEncode(data []byte) []byte {
	var buf bytes.Buffer
	w := quotedprintable.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return data
	}
	if err := w.Close(); err != nil {
		return data
	}
	return buf.Bytes()
}
