package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mailchannels/relay/dns"
	"github.com/mailchannels/relay/log"
	"github.com/mailchannels/relay/mail"
	"github.com/mailchannels/relay/smtp"
)

// capabilities holds the extension flags negotiated from one EHLO reply.
// A new EHLO (eg. after STARTTLS) replaces the whole set.
type capabilities struct {
	utf8     bool
	binary   bool
	chunking bool
	starttls bool
}

// TLSConnector upgrades an established connection to TLS. The default uses
// crypto/tls with the MX hostname as the expected peer identity.
type TLSConnector interface {
	Connect(conn net.Conn, serverName string) (net.Conn, error)
}

type stdTLSConnector struct{}

func (stdTLSConnector) Connect(conn net.Conn, serverName string) (net.Conn, error) {
	tlsConn := tls.Client(conn, &tls.Config{ServerName: serverName})
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// Deliverer transmits queued messages to their destination mail exchangers
type Deliverer struct {
	// hostname identifies the relay in EHLO/HELO
	hostname string
	resolver dns.Resolver
	tlsc     TLSConnector
	log      log.Logger
	port     int
	timeout  time.Duration
	dial     func(ctx context.Context, addr string) (net.Conn, error)
}

func NewDeliverer(hostname string, resolver dns.Resolver, timeout time.Duration, logger log.Logger) *Deliverer {
	d := &Deliverer{
		hostname: hostname,
		resolver: resolver,
		tlsc:     stdTLSConnector{},
		log:      logger,
		port:     25,
		timeout:  timeout,
	}
	d.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		nd := net.Dialer{Timeout: d.timeout}
		return nd.DialContext(ctx, "tcp", addr)
	}
	return d
}

// forwardPath is one resolved recipient, remembering its position in the
// caller's list
type forwardPath struct {
	index   int
	address string
	targets []dns.MXTarget
}

// recipientGroup collects recipients that share an identical MX target
// sequence, so one connection serves them all
type recipientGroup struct {
	indexes   []int
	addresses []string
	targets   []dns.MXTarget
}

// SendMail delivers data to every forward path and returns one result per
// path, aligned with the input order. Recipients sharing an MX set are sent
// in a single session; a group's verdict fans out to all of its members.
func (d *Deliverer) SendMail(ctx context.Context, reversePath string, forwardPaths []string, data []byte) []error {
	results := make([]error, len(forwardPaths))

	var resolved []forwardPath
	for i, p := range forwardPaths {
		at := strings.LastIndex(p, "@")
		if at < 1 {
			results[i] = invalidAddressErr()
			continue
		}
		targets, err := dns.ResolveTargets(ctx, d.resolver, p[at+1:])
		if err != nil {
			results[i] = invalidAddressErr()
			continue
		}
		resolved = append(resolved, forwardPath{
			index:   i,
			address: p,
			targets: targets,
		})
	}

	var groups []*recipientGroup
	for _, fp := range resolved {
		var found *recipientGroup
		for _, g := range groups {
			if dns.TargetsEqual(g.targets, fp.targets) {
				found = g
				break
			}
		}
		if found == nil {
			found = &recipientGroup{targets: fp.targets}
			groups = append(groups, found)
		}
		found.indexes = append(found.indexes, fp.index)
		found.addresses = append(found.addresses, fp.address)
	}

	for _, g := range groups {
		var lastErr *DeliverError
		for _, target := range g.targets {
			err := d.attempt(ctx, reversePath, g.addresses, data, target)
			if err == nil {
				lastErr = nil
				break
			}
			de, ok := err.(*DeliverError)
			if !ok {
				de = connectionErr(err.Error())
			}
			lastErr = de
			if de.Kind == PermanentError {
				d.log.Errorf("Permanent error sending message: %s", de.Text)
				break
			}
			if de.Kind == TransientError {
				d.log.Warnf("Transient error sending message: %s", de.Text)
				break
			}
			if de.Kind != ConnectionError {
				break
			}
			// connection faults move on to the next exchanger
		}
		if lastErr != nil {
			for _, index := range g.indexes {
				results[index] = lastErr
			}
		}
	}

	return results
}

// attempt runs one complete delivery session against a single MX target
func (d *Deliverer) attempt(ctx context.Context, reversePath string, addresses []string, data []byte, target dns.MXTarget) error {
	conn, err := d.dial(ctx, net.JoinHostPort(target.IP.String(), strconv.Itoa(d.port)))
	if err != nil {
		return connectionErr(err.Error())
	}
	defer func() { _ = conn.Close() }()

	msg, err := mail.Parse(data)
	if err != nil {
		return invalidMessageErr(err.Error())
	}

	sess := &clientSession{
		conn:    conn,
		in:      bufio.NewReader(conn),
		out:     bufio.NewWriter(conn),
		timeout: d.timeout,
		log:     d.log,
	}

	banner, err := sess.readReply()
	if err != nil {
		return err
	}
	switch banner.Code {
	case 220:
	case 554:
		return permanentErr(banner.Summary())
	case 421:
		return transientErr(banner.Summary())
	default:
		return permanentErr("Bad status code")
	}
	d.log.Infof("Connected to %s", banner.Lines[0])

	caps, err := sess.helo(d.hostname)
	if err != nil {
		return err
	}

	if caps.starttls {
		reply, err := sess.exchange(smtp.NewCommand("STARTTLS"))
		if err != nil {
			return err
		}
		switch reply.Code {
		case 220:
			d.log.Debugf("STARTTLS response: %s", reply.Summary())
		case 500, 501:
			return permanentErr(reply.Summary())
		case 421, 454:
			return transientErr(reply.Summary())
		default:
			return permanentErr("Bad status code")
		}
		tlsConn, err := d.tlsc.Connect(conn, target.Host)
		if err != nil {
			return connectionErr(err.Error())
		}
		d.log.Info("Connected with STARTTLS")
		sess.conn = tlsConn
		sess.in = bufio.NewReader(tlsConn)
		sess.out = bufio.NewWriter(tlsConn)

		// the encrypted channel negotiates its own capability set
		caps, err = sess.helo(d.hostname)
		if err != nil {
			return err
		}
	}

	if err := sess.sendMail(reversePath, addresses, msg, caps); err != nil {
		return err
	}

	d.log.Infof("Email successfully delivered to %s", target.Host)
	return nil
}

// clientSession is the per-connection protocol driver for outbound delivery
type clientSession struct {
	conn    net.Conn
	in      *bufio.Reader
	out     *bufio.Writer
	timeout time.Duration
	log     log.Logger
}

func (s *clientSession) readReply() (*smtp.Reply, error) {
	if s.timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	}
	reply, err := smtp.ReadReply(s.in)
	if err != nil {
		return nil, connectionErr(err.Error())
	}
	return reply, nil
}

func (s *clientSession) write(data []byte) error {
	if s.timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	}
	if _, err := s.out.Write(data); err != nil {
		return connectionErr(err.Error())
	}
	return nil
}

// exchange sends one command and reads its reply
func (s *clientSession) exchange(cmd *smtp.Command) (*smtp.Reply, error) {
	if err := s.write([]byte(cmd.String())); err != nil {
		return nil, err
	}
	if err := s.out.Flush(); err != nil {
		return nil, connectionErr(err.Error())
	}
	return s.readReply()
}

// expect classifies a reply against per-command code tables
func (s *clientSession) expect(reply *smtp.Reply, okCodes, permCodes, transCodes []uint16) error {
	if containsCode(okCodes, reply.Code) {
		return nil
	}
	if containsCode(permCodes, reply.Code) {
		return permanentErr(reply.Summary())
	}
	if containsCode(transCodes, reply.Code) {
		return transientErr(reply.Summary())
	}
	return permanentErr("Bad status code")
}

func containsCode(codes []uint16, code uint16) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// helo negotiates EHLO, falling back to HELO when the peer doesn't speak
// extended SMTP. The returned capability set replaces any prior one.
func (s *clientSession) helo(identity string) (capabilities, error) {
	var caps capabilities

	greeting, err := s.exchange(smtp.NewCommand("EHLO", identity))
	if err != nil {
		return caps, err
	}
	switch greeting.Code {
	case 250:
		extensions := greeting.Lines[1:]
		s.log.Debugf("Greeting: %s", greeting.Lines[0])
		for _, line := range extensions {
			s.log.Debugf("    %s", line)
		}
		caps.utf8 = containsLine(extensions, "8BITMIME")
		caps.binary = containsLine(extensions, "BINARYMIME")
		caps.chunking = containsLine(extensions, "CHUNKING")
		caps.starttls = containsLine(extensions, "STARTTLS")
	case 502:
		greeting, err = s.exchange(smtp.NewCommand("HELO", identity))
		if err != nil {
			return caps, err
		}
		switch greeting.Code {
		case 250:
			s.log.Debugf("Greeting: %s", greeting.Lines[0])
		case 550:
			return caps, permanentErr(greeting.Summary())
		default:
			return caps, permanentErr("Bad status code")
		}
	case 500, 501, 550:
		return caps, permanentErr(greeting.Summary())
	case 421:
		return caps, transientErr(greeting.Summary())
	default:
		return caps, permanentErr("Bad status code")
	}

	return caps, nil
}

func containsLine(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}

// sendMail runs the MAIL/RCPT/payload/QUIT stretch of the session
func (s *clientSession) sendMail(reversePath string, addresses []string, msg *mail.Part, caps capabilities) error {
	args := []string{fmt.Sprintf("FROM:<%s>", reversePath)}
	if caps.utf8 {
		args = append(args, "BODY=8BITMIME")
	}
	reply, err := s.exchange(smtp.NewCommand("MAIL", args...))
	if err != nil {
		return err
	}
	if err := s.expect(reply,
		[]uint16{250},
		[]uint16{500, 501, 550, 552, 553, 555},
		[]uint16{421, 451, 452, 455}); err != nil {
		return err
	}
	s.log.Debugf("MAIL response: %s", reply.Summary())

	for _, address := range addresses {
		reply, err := s.exchange(smtp.NewCommand("RCPT", fmt.Sprintf("TO:<%s>", address)))
		if err != nil {
			return err
		}
		if err := s.expect(reply,
			[]uint16{250, 251},
			[]uint16{500, 501, 550, 551, 552, 553, 555, 503},
			[]uint16{421, 450, 451, 452, 453, 455}); err != nil {
			return err
		}
		s.log.Debugf("RCPT response: %s", reply.Summary())
	}

	// encoding the body can rewrite the Content-Transfer-Encoding header,
	// so it has to happen before the headers go out
	body := mail.EncodeBody(msg, caps.utf8, caps.binary)
	if caps.chunking {
		return s.sendChunked(msg, body)
	}
	return s.sendData(msg, body)
}

func headerBytes(msg *mail.Part) []byte {
	var sb strings.Builder
	for _, h := range msg.Headers {
		fmt.Fprintf(&sb, "%s: %s\r\n", h.Name, mail.EncodeHeader(h.Value))
	}
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

// sendChunked transmits headers and body as two BDAT chunks
func (s *clientSession) sendChunked(msg *mail.Part, body []byte) error {
	bdatPerm := []uint16{500, 501, 503, 554}
	bdatTrans := []uint16{421}

	headers := headerBytes(msg)
	if err := s.write([]byte(smtp.NewCommand("BDAT", strconv.Itoa(len(headers))).String())); err != nil {
		return err
	}
	if err := s.write(headers); err != nil {
		return err
	}
	if err := s.out.Flush(); err != nil {
		return connectionErr(err.Error())
	}
	reply, err := s.readReply()
	if err != nil {
		return err
	}
	if err := s.expect(reply, []uint16{250}, bdatPerm, bdatTrans); err != nil {
		return err
	}
	s.log.Debugf("BDAT response: %s", reply.Summary())

	if err := s.write([]byte(smtp.NewCommand("BDAT", strconv.Itoa(len(body)), "LAST").String())); err != nil {
		return err
	}
	if err := s.write(body); err != nil {
		return err
	}
	if err := s.out.Flush(); err != nil {
		return connectionErr(err.Error())
	}
	reply, err = s.readReply()
	if err != nil {
		return err
	}
	if err := s.expect(reply, []uint16{250}, bdatPerm, bdatTrans); err != nil {
		return err
	}
	s.log.Debugf("BDAT response: %s", reply.Summary())

	return s.quit()
}

// sendData transmits the payload the classic way: DATA, dot-stuffed lines,
// CRLF.CRLF
func (s *clientSession) sendData(msg *mail.Part, body []byte) error {
	reply, err := s.exchange(smtp.NewCommand("DATA"))
	if err != nil {
		return err
	}
	if err := s.expect(reply, []uint16{354}, []uint16{500, 501, 503, 554}, []uint16{421}); err != nil {
		return err
	}
	s.log.Debugf("DATA response: %s", reply.Summary())

	for _, h := range msg.Headers {
		line := fmt.Sprintf("%s: %s\r\n", h.Name, mail.EncodeHeader(h.Value))
		if err := s.writeDotStuffed([]byte(line)); err != nil {
			return err
		}
	}
	if err := s.write([]byte("\r\n")); err != nil {
		return err
	}
	if err := s.writeDotStuffed(body); err != nil {
		return err
	}
	if err := s.write([]byte("\r\n.\r\n")); err != nil {
		return err
	}
	if err := s.out.Flush(); err != nil {
		return connectionErr(err.Error())
	}

	reply, err = s.readReply()
	if err != nil {
		return err
	}
	s.log.Debugf("DATA end response: %s", reply.Summary())

	return s.quit()
}

// writeDotStuffed copies data, doubling any dot that starts a line
func (s *clientSession) writeDotStuffed(data []byte) error {
	if s.timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	}
	last3 := [3]byte{0, '\r', '\n'}
	for _, b := range data {
		if err := s.out.WriteByte(b); err != nil {
			return connectionErr(err.Error())
		}
		last3 = [3]byte{last3[1], last3[2], b}
		if last3 == [3]byte{'\r', '\n', '.'} {
			if err := s.out.WriteByte('.'); err != nil {
				return connectionErr(err.Error())
			}
		}
	}
	return nil
}

func (s *clientSession) quit() error {
	reply, err := s.exchange(smtp.NewCommand("QUIT"))
	if err != nil {
		return err
	}
	s.log.Debugf("QUIT response: %s", reply.Summary())
	return nil
}
