package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const testMessage = "Date: Thu, 07 May 2020 18:54:00 +0000\r\n" +
	"From: Q <q@relay.test>\r\n" +
	"Subject: delivery test\r\n" +
	"\r\n" +
	"foo\r\n" +
	".\r\n" +
	"bar\r\n"

// peerConfig scripts the behaviour of a fake receiving MX
type peerConfig struct {
	banner    string
	ehloLines []string // nil means EHLO is answered with 502
	mailReply string
	rcptReply string
}

// peerRecord captures what the fake MX observed
type peerRecord struct {
	mu       sync.Mutex
	commands []string
	wireData string
	done     chan struct{}
}

func (r *peerRecord) commandList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func (r *peerRecord) data() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wireData
}

func (r *peerRecord) countVerb(verb string) int {
	n := 0
	for _, c := range r.commandList() {
		if strings.HasPrefix(c, verb) {
			n++
		}
	}
	return n
}

// runPeer speaks the server side of SMTP on conn according to cfg
func runPeer(conn net.Conn, cfg peerConfig) *peerRecord {
	rec := &peerRecord{done: make(chan struct{})}
	if cfg.banner == "" {
		cfg.banner = "220 mx.test ESMTP\r\n"
	}
	if cfg.mailReply == "" {
		cfg.mailReply = "250 OK\r\n"
	}
	if cfg.rcptReply == "" {
		cfg.rcptReply = "250 OK\r\n"
	}

	go func() {
		defer close(rec.done)
		defer func() { _ = conn.Close() }()
		br := bufio.NewReader(conn)
		bw := bufio.NewWriter(conn)
		send := func(s string) {
			_, _ = bw.WriteString(s)
			_ = bw.Flush()
		}
		send(cfg.banner)
		if !strings.HasPrefix(cfg.banner, "220") {
			return
		}
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			rec.mu.Lock()
			rec.commands = append(rec.commands, line)
			rec.mu.Unlock()
			verb := strings.ToUpper(strings.Fields(line + " x")[0])
			switch verb {
			case "EHLO":
				if cfg.ehloLines == nil {
					send("502 Command not implemented\r\n")
					continue
				}
				var sb strings.Builder
				for i, l := range cfg.ehloLines {
					if i == len(cfg.ehloLines)-1 {
						fmt.Fprintf(&sb, "250 %s\r\n", l)
					} else {
						fmt.Fprintf(&sb, "250-%s\r\n", l)
					}
				}
				send(sb.String())
			case "HELO":
				send("250 mx.test\r\n")
			case "MAIL":
				send(cfg.mailReply)
			case "RCPT":
				send(cfg.rcptReply)
			case "DATA":
				send("354 Go ahead\r\n")
				for {
					dline, err := br.ReadString('\n')
					if err != nil {
						return
					}
					if dline == ".\r\n" {
						break
					}
					rec.mu.Lock()
					rec.wireData += dline
					rec.mu.Unlock()
				}
				send("250 Queued\r\n")
			case "BDAT":
				fields := strings.Fields(line)
				n, _ := strconv.Atoi(fields[1])
				buf := make([]byte, n)
				if _, err := io.ReadFull(br, buf); err != nil {
					return
				}
				rec.mu.Lock()
				rec.wireData += string(buf)
				rec.mu.Unlock()
				send("250 OK\r\n")
			case "QUIT":
				send("221 Bye\r\n")
				return
			default:
				send("500 Unrecognized command\r\n")
			}
		}
	}()
	return rec
}

// testDeliverer builds a Deliverer whose dials hand out the given pipes in
// order; a nil pipe simulates a refused connection
func testDeliverer(resolver *fakeResolver, conns []net.Conn) (*Deliverer, *int) {
	d := NewDeliverer("relay.test", resolver, 2*time.Second, testLogger())
	dials := 0
	var mu sync.Mutex
	d.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if dials >= len(conns) {
			return nil, errors.New("no more connections scripted")
		}
		conn := conns[dials]
		dials++
		if conn == nil {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	}
	return d, &dials
}

func singleMXResolver() *fakeResolver {
	return &fakeResolver{
		mx: map[string][]*net.MX{
			"x.test": {{Host: "mx1.x.test.", Pref: 10}},
		},
		hosts: map[string][]net.IPAddr{
			"mx1.x.test": {{IP: net.ParseIP("192.0.2.10")}},
		},
	}
}

func TestSendMailDataPath(t *testing.T) {
	client, server := net.Pipe()
	rec := runPeer(server, peerConfig{ehloLines: []string{"mx.test Hello", "8BITMIME"}})
	d, dials := testDeliverer(singleMXResolver(), []net.Conn{client})

	results := d.SendMail(context.Background(), "sender@relay.test", []string{"rcpt@x.test"}, []byte(testMessage))
	<-rec.done

	if results[0] != nil {
		t.Fatal("delivery should succeed, got", results[0])
	}
	if *dials != 1 {
		t.Error("expected exactly one connection, got", *dials)
	}
	cmds := rec.commandList()
	var mailCmd string
	for _, c := range cmds {
		if strings.HasPrefix(c, "MAIL") {
			mailCmd = c
		}
	}
	if mailCmd != "MAIL FROM:<sender@relay.test> BODY=8BITMIME" {
		t.Error("unexpected MAIL command:", mailCmd)
	}
	if rec.countVerb("RCPT") != 1 {
		t.Error("expected one RCPT")
	}
	if rec.countVerb("DATA") != 1 || rec.countVerb("BDAT") != 0 {
		t.Error("expected the DATA path, got", cmds)
	}
	// the lone dot line in the body must arrive dot-stuffed
	if !strings.Contains(rec.data(), "foo\r\n..\r\nbar") {
		t.Errorf("body not dot-stuffed on the wire: %q", rec.data())
	}
	if !strings.Contains(rec.data(), "Subject: delivery test") {
		t.Error("headers missing from the wire data")
	}
}

func TestSendMailChunkingPath(t *testing.T) {
	client, server := net.Pipe()
	rec := runPeer(server, peerConfig{ehloLines: []string{"mx.test Hello", "8BITMIME", "CHUNKING"}})
	d, _ := testDeliverer(singleMXResolver(), []net.Conn{client})

	results := d.SendMail(context.Background(), "sender@relay.test", []string{"rcpt@x.test"}, []byte(testMessage))
	<-rec.done

	if results[0] != nil {
		t.Fatal("delivery should succeed, got", results[0])
	}
	if rec.countVerb("BDAT") != 2 || rec.countVerb("DATA") != 0 {
		t.Error("expected two BDAT chunks, got", rec.commandList())
	}
	var last string
	for _, c := range rec.commandList() {
		if strings.HasPrefix(c, "BDAT") {
			last = c
		}
	}
	if !strings.HasSuffix(last, " LAST") {
		t.Error("final chunk should be marked LAST:", last)
	}
	if !strings.Contains(rec.data(), "Subject: delivery test") {
		t.Error("headers missing from the chunked data")
	}
	// chunked transfer does not dot-stuff
	if !strings.Contains(rec.data(), "foo\r\n.\r\nbar") {
		t.Errorf("chunked body should be verbatim: %q", rec.data())
	}
}

func TestSendMailHeloFallback(t *testing.T) {
	client, server := net.Pipe()
	rec := runPeer(server, peerConfig{ehloLines: nil})
	d, _ := testDeliverer(singleMXResolver(), []net.Conn{client})

	results := d.SendMail(context.Background(), "sender@relay.test", []string{"rcpt@x.test"}, []byte(testMessage))
	<-rec.done

	if results[0] != nil {
		t.Fatal("delivery should succeed, got", results[0])
	}
	cmds := rec.commandList()
	if rec.countVerb("EHLO") != 1 || rec.countVerb("HELO") != 1 {
		t.Error("expected EHLO then HELO fallback, got", cmds)
	}
	for _, c := range cmds {
		if strings.HasPrefix(c, "MAIL") && strings.Contains(c, "BODY=8BITMIME") {
			t.Error("capabilities must all be off after HELO:", c)
		}
	}
}

func TestSendMailPermanentBannerStopsMXLoop(t *testing.T) {
	resolver := &fakeResolver{
		mx: map[string][]*net.MX{
			"x.test": {{Host: "mx1.x.test.", Pref: 10}, {Host: "mx2.x.test.", Pref: 20}},
		},
		hosts: map[string][]net.IPAddr{
			"mx1.x.test": {{IP: net.ParseIP("192.0.2.10")}},
			"mx2.x.test": {{IP: net.ParseIP("192.0.2.20")}},
		},
	}
	client, server := net.Pipe()
	rec := runPeer(server, peerConfig{banner: "554 Go away\r\n"})
	d, dials := testDeliverer(resolver, []net.Conn{client})

	results := d.SendMail(context.Background(), "sender@relay.test", []string{"rcpt@x.test"}, []byte(testMessage))
	<-rec.done

	de, ok := results[0].(*DeliverError)
	if !ok || de.Kind != PermanentError {
		t.Fatal("expected a permanent error, got", results[0])
	}
	if *dials != 1 {
		t.Error("a permanent error must stop the MX loop; dials =", *dials)
	}
}

func TestSendMailConnectionErrorAdvancesMX(t *testing.T) {
	resolver := &fakeResolver{
		mx: map[string][]*net.MX{
			"x.test": {{Host: "mx1.x.test.", Pref: 10}, {Host: "mx2.x.test.", Pref: 20}},
		},
		hosts: map[string][]net.IPAddr{
			"mx1.x.test": {{IP: net.ParseIP("192.0.2.10")}},
			"mx2.x.test": {{IP: net.ParseIP("192.0.2.20")}},
		},
	}
	client, server := net.Pipe()
	rec := runPeer(server, peerConfig{ehloLines: []string{"mx.test Hello"}})
	// first dial is refused, second lands on the scripted peer
	d, dials := testDeliverer(resolver, []net.Conn{nil, client})

	results := d.SendMail(context.Background(), "sender@relay.test", []string{"rcpt@x.test"}, []byte(testMessage))
	<-rec.done

	if results[0] != nil {
		t.Fatal("delivery should succeed on the second exchanger, got", results[0])
	}
	if *dials != 2 {
		t.Error("expected two dials, got", *dials)
	}
}

func TestSendMailAllConnectionsFail(t *testing.T) {
	resolver := &fakeResolver{
		mx: map[string][]*net.MX{
			"x.test": {{Host: "mx1.x.test.", Pref: 10}, {Host: "mx2.x.test.", Pref: 20}},
		},
		hosts: map[string][]net.IPAddr{
			"mx1.x.test": {{IP: net.ParseIP("192.0.2.10")}},
			"mx2.x.test": {{IP: net.ParseIP("192.0.2.20")}},
		},
	}
	d, dials := testDeliverer(resolver, []net.Conn{nil, nil})

	results := d.SendMail(context.Background(), "sender@relay.test", []string{"rcpt@x.test"}, []byte(testMessage))

	de, ok := results[0].(*DeliverError)
	if !ok || de.Kind != ConnectionError {
		t.Fatal("expected the last connection error, got", results[0])
	}
	if *dials != 2 {
		t.Error("every exchanger should have been tried; dials =", *dials)
	}
}

func TestSendMailGroupSharesConnection(t *testing.T) {
	client, server := net.Pipe()
	rec := runPeer(server, peerConfig{ehloLines: []string{"mx.test Hello"}})
	d, dials := testDeliverer(singleMXResolver(), []net.Conn{client})

	results := d.SendMail(context.Background(), "sender@relay.test",
		[]string{"a@x.test", "b@x.test"}, []byte(testMessage))
	<-rec.done

	if results[0] != nil || results[1] != nil {
		t.Fatal("both recipients should succeed, got", results)
	}
	if *dials != 1 {
		t.Error("recipients sharing an MX set must share one connection; dials =", *dials)
	}
	if rec.countVerb("MAIL") != 1 {
		t.Error("expected a single MAIL for the group")
	}
	if rec.countVerb("RCPT") != 2 {
		t.Error("expected one RCPT per recipient")
	}
}

func TestSendMailTransientRcptFansOut(t *testing.T) {
	client, server := net.Pipe()
	rec := runPeer(server, peerConfig{
		ehloLines: []string{"mx.test Hello"},
		rcptReply: "450 Mailbox busy\r\n",
	})
	d, dials := testDeliverer(singleMXResolver(), []net.Conn{client})

	results := d.SendMail(context.Background(), "sender@relay.test",
		[]string{"a@x.test", "b@x.test"}, []byte(testMessage))
	<-rec.done

	for i := range results {
		de, ok := results[i].(*DeliverError)
		if !ok || de.Kind != TransientError {
			t.Error("the group verdict must fan out to every member, got", results[i])
		}
	}
	if *dials != 1 {
		t.Error("a transient error must stop the MX loop; dials =", *dials)
	}
}

func TestSendMailInvalidAddress(t *testing.T) {
	d, dials := testDeliverer(singleMXResolver(), nil)

	results := d.SendMail(context.Background(), "sender@relay.test",
		[]string{"no-at-sign", "rcpt@unresolvable.test"}, []byte(testMessage))

	for i := range results {
		de, ok := results[i].(*DeliverError)
		if !ok || de.Kind != InvalidAddress {
			t.Error("expected invalid address, got", results[i])
		}
	}
	if *dials != 0 {
		t.Error("invalid recipients must not open connections")
	}
}

func TestSendMailIPLiteralRecipient(t *testing.T) {
	client, server := net.Pipe()
	rec := runPeer(server, peerConfig{ehloLines: []string{"mx.test Hello"}})
	d, dials := testDeliverer(&fakeResolver{}, []net.Conn{client})

	var dialed string
	innerDial := d.dial
	d.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		dialed = addr
		return innerDial(ctx, addr)
	}

	results := d.SendMail(context.Background(), "sender@relay.test",
		[]string{"rcpt@192.0.2.5"}, []byte(testMessage))
	<-rec.done

	if results[0] != nil {
		t.Fatal("delivery should succeed, got", results[0])
	}
	if *dials != 1 || dialed != "192.0.2.5:25" {
		t.Error("expected a single dial to the IP literal, got", dialed)
	}
}
