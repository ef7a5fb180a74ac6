package tunnelproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
)

func TestHelloFrameRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	in := Hello{
		Version: Version,
		NodeID:  "node-1",
		Token:   "secret",
		Kind:    "tls",
		Applications: []AppDecl{
			{Application: domain.AppVNC, LocalPort: 5900},
		},
	}
	if err := WriteFrame(&buf, in); err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(&buf, Heartbeat{Kind: KindPing, Seq: 7}); err != nil {
		t.Fatal(err)
	}

	var out Hello
	if err := ReadFrame(&buf, &out); err != nil {
		t.Fatal(err)
	}
	if out.NodeID != "node-1" || len(out.Applications) != 1 || out.Applications[0].Application != domain.AppVNC {
		t.Fatalf("unexpected hello %+v", out)
	}
	var hb Heartbeat
	if err := ReadFrame(&buf, &hb); err != nil {
		t.Fatal(err)
	}
	if hb.Kind != KindPing || hb.Seq != 7 {
		t.Fatalf("unexpected heartbeat %+v", hb)
	}
	if err := ReadFrame(&buf, &hb); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	t.Parallel()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	var v Hello
	if err := ReadFrame(bytes.NewReader(hdr[:]), &v); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := WriteFrame(&buf, HelloAck{OK: true}); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()[:buf.Len()-2]
	var ack HelloAck
	if err := ReadFrame(bytes.NewReader(data), &ack); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestHeaderDoesNotOverread(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := WriteHeader(&buf, AppChannel(domain.AppTerminal, 22)); err != nil {
		t.Fatal(err)
	}
	buf.WriteString("SSH-2.0-payload")

	name, err := ReadHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if name != "app:TERMINAL:22" {
		t.Fatalf("unexpected header %q", name)
	}
	if rest := buf.String(); rest != "SSH-2.0-payload" {
		t.Fatalf("header read consumed payload, rest=%q", rest)
	}
}

func TestHeaderTooLong(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", maxHeaderLen+1)
	if err := WriteHeader(io.Discard, long); !errors.Is(err, ErrHeaderTooLong) {
		t.Fatalf("expected ErrHeaderTooLong on write, got %v", err)
	}
	if _, err := ReadHeader(strings.NewReader(long + "\n")); !errors.Is(err, ErrHeaderTooLong) {
		t.Fatalf("expected ErrHeaderTooLong on read, got %v", err)
	}
}

func TestParseAppChannel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		app  domain.Application
		port int
		ok   bool
	}{
		{"app:VNC:5900", domain.AppVNC, 5900, true},
		{"app:web_server:8080", domain.AppWebServer, 8080, true},
		{"app:VNC:0", "", 0, false},
		{"app:FTP:21", "", 0, false},
		{"heartbeat", "", 0, false},
		{"app:VNC", "", 0, false},
	}
	for _, tc := range cases {
		app, port, ok := ParseAppChannel(tc.in)
		if app != tc.app || port != tc.port || ok != tc.ok {
			t.Fatalf("ParseAppChannel(%q) = %q, %d, %v", tc.in, app, port, ok)
		}
	}
}
