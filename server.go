package relay

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/mailchannels/relay/backends"
	"github.com/mailchannels/relay/dns"
	"github.com/mailchannels/relay/log"
	"github.com/mailchannels/relay/mail"
	"github.com/mailchannels/relay/smtp"
)

// Number of allowed unrecognized commands before we terminate the connection
const maxUnrecognizedCommands = 5

// Server listens for SMTP clients on the interface specified in its config
type Server struct {
	config   *AppConfig
	store    backends.Store
	resolver dns.Resolver
	events   *EventHandler
	log      log.Logger
	listener net.Listener
	sem      chan int
	clientID uint64
}

// NewServer creates a ready-to-run Server from a configuration
func NewServer(cfg *AppConfig, store backends.Store, resolver dns.Resolver, events *EventHandler, logger log.Logger) *Server {
	return &Server{
		config:   cfg,
		store:    store,
		resolver: resolver,
		events:   events,
		log:      logger,
		sem:      make(chan int, cfg.MaxClients),
	}
}

// Start begins accepting SMTP clients. It blocks until Shutdown closes the
// listener.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenInterface)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %s", s.config.ListenInterface, err)
	}
	s.listener = listener
	s.log.Infof("Listening on TCP %s", s.config.ListenInterface)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			s.log.WithError(err).Info("Error accepting client")
			continue
		}
		s.sem <- 1
		id := atomic.AddUint64(&s.clientID, 1)
		go func() {
			defer func() { <-s.sem }()
			s.handleConn(conn, id)
		}()
	}
}

// Shutdown stops accepting new connections
func (s *Server) Shutdown() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// serverSession is the per-connection state of the inbound SMTP state
// machine. reversePath distinguishes "no MAIL yet" (nil) from the legitimate
// null reverse-path of MAIL FROM:<> (pointer to "").
type serverSession struct {
	server         *Server
	conn           net.Conn
	in             *bufio.Reader
	out            *bufio.Writer
	id             uint64
	peerIP         string
	reverseDNS     string
	clientIdentity string
	protocol       string
	reversePath    *string
	forwardPaths   []string
	binaryData     bytes.Buffer
	messagesSent   int
	errors         int
	log            log.Logger
}

func (s *Server) handleConn(conn net.Conn, id uint64) {
	defer func() { _ = conn.Close() }()

	sess := &serverSession{
		server: s,
		conn:   conn,
		in:     bufio.NewReader(conn),
		out:    bufio.NewWriter(conn),
		id:     id,
		peerIP: getRemoteIP(conn),
		log:    s.log,
	}
	s.log.Infof("Handle client [%s], id: %d", sess.peerIP, id)

	ctx, cancel := context.WithTimeout(context.Background(), s.config.timeout())
	sess.reverseDNS = dns.ReverseName(ctx, s.resolver, sess.peerIP)
	cancel()

	sess.run()
}

func getRemoteIP(conn net.Conn) string {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	return conn.RemoteAddr().String()
}

// peerName is how the session addresses the peer in greetings
func (s *serverSession) peerName() string {
	if s.reverseDNS != "" {
		return s.reverseDNS
	}
	return s.peerIP
}

func (s *serverSession) sendReply(r *smtp.Reply) error {
	_ = s.conn.SetDeadline(time.Now().Add(s.server.config.timeout()))
	if _, err := s.out.WriteString(r.String()); err != nil {
		return err
	}
	return s.out.Flush()
}

// readLine reads one CRLF-terminated line, enforcing the session timeout
func (s *serverSession) readLine() (string, error) {
	_ = s.conn.SetDeadline(time.Now().Add(s.server.config.timeout()))
	return s.in.ReadString('\n')
}

// run drives the command loop until the peer quits or the connection drops
func (s *serverSession) run() {
	greeting := smtp.NewReply(220, fmt.Sprintf("%s ESMTP relay service ready", s.server.config.Hostname))
	if err := s.sendReply(greeting); err != nil {
		return
	}

	for {
		line, err := s.readLine()
		if err == io.EOF {
			s.log.Debugf("Client closed the connection: %s", s.peerIP)
			return
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			s.log.Debugf("Timeout: %s", s.peerIP)
			return
		}
		if err != nil {
			s.log.WithError(err).Warnf("Read error: %s", s.peerIP)
			return
		}
		if !utf8.ValidString(line) {
			if err := s.sendReply(smtp.NewReply(553, "UTF8 only please")); err != nil {
				return
			}
			continue
		}

		cmd := smtp.ParseCommand(line)
		var replyErr error
		switch cmd.Verb {
		case "HELO":
			replyErr = s.handleHelo(cmd, "SMTP", nil)
		case "EHLO":
			replyErr = s.handleHelo(cmd, "ESMTP", []string{"8BITMIME", "SMTPUTF8", "CHUNKING", "SIZE 0"})
		case "MAIL":
			replyErr = s.handleMail(cmd)
		case "RCPT":
			replyErr = s.handleRcpt(cmd)
		case "DATA":
			replyErr = s.handleData(cmd)
		case "BDAT":
			replyErr = s.handleBdat(cmd)
		case "RSET":
			s.resetTransaction()
			replyErr = s.sendReply(smtp.NewReply(250, "OK"))
		case "NOOP":
			replyErr = s.sendReply(smtp.NewReply(250, "OK"))
		case "HELP", "EXPN":
			replyErr = s.sendReply(smtp.NewReply(502, "Command not implemented"))
		case "QUIT":
			_ = s.sendReply(smtp.NewReply(221, "Bye"))
			return
		default:
			s.errors++
			if s.errors > maxUnrecognizedCommands {
				_ = s.sendReply(smtp.NewReply(554, "Too many unrecognized commands"))
				return
			}
			replyErr = s.sendReply(smtp.NewReply(500, "Unrecognized command"))
		}
		if replyErr != nil {
			s.log.WithError(replyErr).Debug("Session ended")
			return
		}
	}
}

// resetTransaction clears the mail transaction, keeping the connection and
// the client identity
func (s *serverSession) resetTransaction() {
	s.reversePath = nil
	s.forwardPaths = nil
	s.binaryData.Reset()
}

func (s *serverSession) handleHelo(cmd *smtp.Command, protocol string, extensions []string) error {
	if len(cmd.Args) != 1 {
		return s.sendReply(smtp.NewReply(501, "Syntax error in parameters"))
	}
	s.clientIdentity = cmd.Args[0]
	s.protocol = protocol
	s.resetTransaction()
	s.log.Debugf("%s from %s", protocol, s.clientIdentity)

	reply := smtp.NewReply(250, fmt.Sprintf("%s Good day to you %s", s.server.config.Hostname, s.peerName()))
	for _, ext := range extensions {
		reply.AddLine(ext)
	}
	return s.sendReply(reply)
}

func (s *serverSession) handleMail(cmd *smtp.Command) error {
	if s.clientIdentity == "" || s.reversePath != nil {
		return s.sendReply(smtp.NewReply(503, "Bad sequence of commands"))
	}
	if len(cmd.Args) < 1 {
		return s.sendReply(smtp.NewReply(501, "Syntax error in parameters"))
	}
	arg := cmd.Args[0]
	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		return s.sendReply(smtp.NewReply(501, "Syntax error in parameters"))
	}
	rest := arg[5:]
	if rest == "<>" {
		// a null reverse-path is a legitimate bounce sender
		s.log.Debug("No reverse path given")
		empty := ""
		s.reversePath = &empty
		s.forwardPaths = nil
		return s.sendReply(smtp.NewReply(250, "OK"))
	}

	path, err := mail.ParsePath(rest)
	if err != nil {
		return s.sendReply(smtp.NewReply(501, "Syntax error in parameters"))
	}
	s.log.Debugf("Reverse path is %s", path)
	s.reversePath = &path
	s.forwardPaths = nil
	return s.sendReply(smtp.NewReply(250, "OK"))
}

func (s *serverSession) handleRcpt(cmd *smtp.Command) error {
	if s.clientIdentity == "" || s.reversePath == nil {
		return s.sendReply(smtp.NewReply(503, "Bad sequence of commands"))
	}
	if len(cmd.Args) < 1 {
		return s.sendReply(smtp.NewReply(501, "Syntax error in parameters"))
	}
	arg := cmd.Args[0]
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		return s.sendReply(smtp.NewReply(501, "Syntax error in parameters"))
	}
	rest := arg[3:]

	bare := strings.ToLower(strings.Trim(rest, "<>"))
	if bare == "postmaster" || strings.HasPrefix(bare, "postmaster@") {
		return s.sendReply(smtp.NewReply(551, "User not local"))
	}

	path, err := mail.ParsePath(rest)
	if err != nil {
		return s.sendReply(smtp.NewReply(501, "Syntax error in parameters"))
	}
	// keep the rightmost segment of a source-routed path
	if i := strings.LastIndex(path, ":"); i >= 0 {
		path = path[i+1:]
	}

	s.log.Debugf("Forward path is %s", path)
	s.forwardPaths = append(s.forwardPaths, path)
	return s.sendReply(smtp.NewReply(250, "OK"))
}

// handleData reads message lines until the terminating dot, reversing the
// client's dot-stuffing
func (s *serverSession) handleData(cmd *smtp.Command) error {
	if s.clientIdentity == "" || s.reversePath == nil || len(s.forwardPaths) == 0 {
		return s.sendReply(smtp.NewReply(503, "Bad sequence of commands"))
	}
	if len(cmd.Args) != 0 {
		return s.sendReply(smtp.NewReply(501, "Syntax error in parameters"))
	}
	if err := s.sendReply(smtp.NewReply(354, "End data with <CR><LF>.<CR><LF>")); err != nil {
		return err
	}

	var data bytes.Buffer
	for {
		line, err := s.readLine()
		if err != nil {
			return err
		}
		if !utf8.ValidString(line) {
			if err := s.sendReply(smtp.NewReply(553, "UTF8 only please")); err != nil {
				return err
			}
			continue
		}
		if line == ".\r\n" {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		data.WriteString(line)
	}

	reply := s.processEmail(data.Bytes())
	s.resetTransaction()
	return s.sendReply(reply)
}

// handleBdat reads one length-prefixed chunk, finalizing the message on the
// LAST chunk
func (s *serverSession) handleBdat(cmd *smtp.Command) error {
	if s.clientIdentity == "" || s.reversePath == nil || len(s.forwardPaths) == 0 {
		return s.sendReply(smtp.NewReply(503, "Bad sequence of commands"))
	}
	if len(cmd.Args) < 1 || len(cmd.Args) > 2 {
		return s.sendReply(smtp.NewReply(501, "Syntax error in parameters"))
	}
	chunkSize, err := strconv.Atoi(cmd.Args[0])
	if err != nil || chunkSize < 0 {
		return s.sendReply(smtp.NewReply(501, "Syntax error in parameters"))
	}
	var isLast bool
	if len(cmd.Args) == 2 {
		if !strings.EqualFold(cmd.Args[1], "LAST") {
			return s.sendReply(smtp.NewReply(501, "Syntax error in parameters"))
		}
		isLast = true
	} else {
		isLast = chunkSize == 0
	}

	buf := make([]byte, chunkSize)
	_ = s.conn.SetDeadline(time.Now().Add(s.server.config.timeout()))
	if _, err := io.ReadFull(s.in, buf); err != nil {
		return err
	}
	s.binaryData.Write(buf)

	if !isLast {
		return s.sendReply(smtp.NewReply(250, "Send more"))
	}

	reply := s.processEmail(s.binaryData.Bytes())
	s.resetTransaction()
	return s.sendReply(reply)
}

// returnPathHeader renders the Return-Path prelude header
func (s *serverSession) returnPathHeader() string {
	if s.reversePath == nil {
		return "Return-Path: <>\r\n"
	}
	return fmt.Sprintf("Return-Path: <%s>\r\n", *s.reversePath)
}

// receivedHeader renders the trace header recorded for one recipient
func (s *serverSession) receivedHeader(forwardPath string) string {
	var sb strings.Builder
	sb.WriteString("Received: ")
	if s.clientIdentity != "" {
		if s.reverseDNS != "" {
			fmt.Fprintf(&sb, "FROM %s (%s %s)\r\n", s.clientIdentity, s.reverseDNS, s.peerIP)
		} else {
			fmt.Fprintf(&sb, "FROM %s (%s)\r\n", s.clientIdentity, s.peerIP)
		}
	}
	fmt.Fprintf(&sb, "    BY %s\r\n", s.server.config.Hostname)
	sb.WriteString("    VIA TCP\r\n")
	if s.protocol != "" {
		fmt.Fprintf(&sb, "    WITH %s\r\n", s.protocol)
	}
	fmt.Fprintf(&sb, "    FOR <%s>\r\n", forwardPath)
	return sb.String()
}

// processEmail validates and persists the received message once per
// recipient, queueing a confirmation for each. The returned reply goes back
// to the client verbatim.
func (s *serverSession) processEmail(data []byte) *smtp.Reply {
	for _, recipient := range s.forwardPaths {
		prelude := s.returnPathHeader() + s.receivedHeader(recipient)
		full := make([]byte, 0, len(prelude)+len(data))
		full = append(full, prelude...)
		full = append(full, data...)

		msg, err := mail.ParseMessage(full)
		if err != nil {
			reply := smtp.NewReply(550, "Message is not RFC 5322 compliant")
			reply.AddLine(err.Error())
			return reply
		}

		contentsID, err := s.server.store.SavePart(msg.Root)
		if err != nil {
			s.log.WithError(err).Error("Error persisting message contents")
			return smtp.NewReply(451, "Internal server error")
		}

		item := &backends.InboundItem{
			RcptTo:     recipient,
			MessageID:  msg.MessageID,
			From:       mailboxStrings(msg.FromList()),
			Subject:    msg.Subject,
			ContentsID: contentsID,
		}
		if msg.Sender != nil {
			item.Sender = msg.Sender.String()
		}
		if msg.ReplyTo != nil {
			item.ReplyTo = mailboxStrings(msg.ReplyToList())
		}
		if err := s.server.store.SaveInbound(item); err != nil {
			s.log.WithError(err).Error("Error inserting into queue")
			return smtp.NewReply(451, "Internal server error")
		}

		conf, err := mail.BuildConfirmation(recipient, msg,
			s.server.config.ConfirmFrom, s.server.config.ReleaseLink,
			s.newMessageID(), time.Now())
		if err != nil {
			s.log.WithError(err).Error("Error building confirmation mail")
			return smtp.NewReply(451, "Internal server error")
		}
		if err := s.server.store.SaveOutbound(
			&backends.OutboundMessage{ReturnPath: conf.ReturnPath, Data: conf.Data},
			conf.Recipients); err != nil {
			s.log.WithError(err).Error("Error inserting message into queue")
			return smtp.NewReply(451, "Internal server error")
		}
		if s.server.events != nil {
			s.server.events.Publish(EventQueueOutbound)
		}
	}

	s.messagesSent++
	return smtp.NewReply(250, "Message accepted for delivery")
}

// newMessageID derives a fresh message id for generated mail
func (s *serverSession) newMessageID() string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d-%d-%d", time.Now().UnixNano(), s.id, s.messagesSent)))
	return fmt.Sprintf("%x@%s", sum, s.server.config.Hostname)
}

func mailboxStrings(list []mail.Mailbox) []string {
	out := make([]string, 0, len(list))
	for _, mb := range list {
		out = append(out, mb.String())
	}
	return out
}
