package mail

import (
	"strings"
	"testing"
	"time"
)

func TestBuildConfirmation(t *testing.T) {
	orig, err := ParseMessage([]byte(
		"Date: Thu, 07 May 2020 18:54:00 +0000\r\n" +
			"From: Q <q@example.com>\r\n" +
			"Reply-To: <r@example.net>\r\n" +
			"Subject: Hello\r\n" +
			"Message-ID: <5@example.com>\r\n" +
			"\r\nbody"))
	if err != nil {
		t.Fatal("error not expected ", err)
	}

	now := time.Date(2020, 5, 8, 9, 0, 0, 0, time.UTC)
	conf, err := BuildConfirmation("rcpt@example.org", orig,
		"noreply@relay.example", "https://relay.example/release", "abc123@relay.example", now)
	if err != nil {
		t.Fatal("error not expected ", err)
	}

	if conf.ReturnPath != "noreply@relay.example" {
		t.Error("unexpected return path", conf.ReturnPath)
	}
	if len(conf.Recipients) != 1 || conf.Recipients[0] != "r@example.net" {
		t.Error("confirmation should go to Reply-To, got", conf.Recipients)
	}

	// the generated message must itself pass validation
	m, err := ParseMessage(conf.Data)
	if err != nil {
		t.Fatal("generated confirmation does not validate: ", err)
	}
	if m.MessageID != "abc123@relay.example" {
		t.Error("unexpected Message-ID", m.MessageID)
	}
	if len(m.InReplyTo) != 1 || m.InReplyTo[0] != "5@example.com" {
		t.Error("unexpected In-Reply-To", m.InReplyTo)
	}
	if len(m.Root.Subparts) != 2 {
		t.Fatal("expected text and html alternatives, got", len(m.Root.Subparts))
	}
	text := string(m.Root.Subparts[0].Body)
	if !strings.Contains(text, "rcpt@example.org") {
		t.Error("text part should mention the recipient")
	}
	if !strings.Contains(text, "https://relay.example/release") {
		t.Error("text part should carry the release link")
	}
	if !strings.Contains(string(m.Root.Subparts[1].Body), "<b>rcpt@example.org</b>") {
		t.Error("html part should mention the recipient")
	}
}
