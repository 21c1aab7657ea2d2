package relay

import (
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erazemk/najdeno/internal/model"
)

// fakeSMTP accepts one session and returns the DATA payload it received.
// rcptReply is sent in response to RCPT TO.
func fakeSMTP(t *testing.T, rcptReply string) (*SMTPTransport, <-chan []byte) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))

		tp := textproto.NewConn(conn)
		tp.PrintfLine("220 localhost ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			verb, _, _ := strings.Cut(line, " ")
			switch strings.ToUpper(verb) {
			case "EHLO", "HELO":
				tp.PrintfLine("250-localhost")
				tp.PrintfLine("250 8BITMIME")
			case "MAIL":
				tp.PrintfLine("250 OK")
			case "RCPT":
				tp.PrintfLine("%s", rcptReply)
			case "DATA":
				tp.PrintfLine("354 go ahead")
				data, err := tp.ReadDotBytes()
				if err != nil {
					return
				}
				received <- data
				tp.PrintfLine("250 OK")
			case "QUIT":
				tp.PrintfLine("221 bye")
				return
			default:
				tp.PrintfLine("502 not implemented")
			}
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	return &SMTPTransport{Host: host, Port: p, From: "Lost and Found <noreply@example.com>"}, received
}

func TestSMTPTransportSend(t *testing.T) {
	transport, received := fakeSMTP(t, "250 OK")
	r := New(transport)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Relay(ctx, "owner@example.com", "Green scarf", "I lost it on Monday.\nThanks!"))

	var data []byte
	select {
	case data = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}

	m, err := mail.ReadMessage(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "Someone is interested in: Green scarf", m.Header.Get("Subject"))
	assert.Equal(t, "<owner@example.com>", m.Header.Get("To"))
	assert.Contains(t, m.Header.Get("From"), "noreply@example.com")

	mediaType, params, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/alternative", mediaType)

	mr := multipart.NewReader(m.Body, params["boundary"])
	var bodies []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		// multipart.Reader decodes quoted-printable parts transparently.
		b, err := io.ReadAll(p)
		require.NoError(t, err)
		bodies = append(bodies, string(b))
	}
	require.Len(t, bodies, 2)
	assert.Contains(t, bodies[0], "I lost it on Monday.")
	assert.Contains(t, bodies[1], "I lost it on Monday.<br>Thanks!")
}

func TestSMTPTransportRejectedRecipient(t *testing.T) {
	transport, _ := fakeSMTP(t, "550 no such user")
	r := New(transport)

	err := r.Relay(context.Background(), "owner@example.com", "Keys", "hello")
	var de *model.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, err.Error(), "recipient")
}

func TestSMTPTransportUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	transport := &SMTPTransport{Host: "127.0.0.1", Port: addr.Port}
	err = transport.Send(context.Background(), Message{To: "owner@example.com"})
	assert.Error(t, err)
}

func TestSMTPTransportBadRecipient(t *testing.T) {
	transport := &SMTPTransport{Host: "127.0.0.1", Port: 1}
	err := transport.Send(context.Background(), Message{To: "not an address"})
	assert.ErrorContains(t, err, "recipient")
}
