package notify

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay accepts one SMTP session and records the envelope and data.
type fakeRelay struct {
	ln net.Listener

	mu   sync.Mutex
	from string
	rcpt []string
	data string
	done chan struct{}
}

func startRelay(t *testing.T) *fakeRelay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := &fakeRelay{ln: ln, done: make(chan struct{})}
	t.Cleanup(func() { _ = ln.Close() })
	go r.serve()
	return r
}

func (r *fakeRelay) serve() {
	defer close(r.done)
	conn, err := r.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	br := bufio.NewReader(conn)
	write := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }

	write("220 fake ESMTP")
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch verb {
		case "EHLO":
			write("250-fake")
			write("250 8BITMIME")
		case "MAIL":
			r.mu.Lock()
			r.from = line
			r.mu.Unlock()
			write("250 OK")
		case "RCPT":
			r.mu.Lock()
			r.rcpt = append(r.rcpt, line)
			r.mu.Unlock()
			write("250 OK")
		case "DATA":
			write("354 end with .")
			var b strings.Builder
			for {
				l, err := br.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			r.mu.Lock()
			r.data = b.String()
			r.mu.Unlock()
			write("250 queued")
		case "QUIT":
			write("221 bye")
			return
		default:
			write("250 OK")
		}
	}
}

func TestSMTPMailerSend(t *testing.T) {
	relay := startRelay(t)
	m, err := NewSMTPMailer(relay.ln.Addr().String(), nil)
	require.NoError(t, err)

	msg, err := TextMessage(testID, "Command: \tmake\nResult: \tsucceeded", []string{"a@x", "b@y"}, "make succeeded")
	require.NoError(t, err)

	require.NoError(t, m.Send(context.Background(), msg))
	<-relay.done

	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Contains(t, relay.from, "<alice@gpu01.example.org>")
	assert.Len(t, relay.rcpt, 2)
	assert.Contains(t, relay.data, "Subject: make succeeded")
	assert.Contains(t, relay.data, "text/plain")
	assert.Contains(t, relay.data, "text/html")
	assert.Contains(t, relay.data, "Result: \tsucceeded")
}

func TestSMTPMailerUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	m, err := NewSMTPMailer(addr, nil)
	require.NoError(t, err)
	msg, err := TextMessage(testID, "x", []string{"a@x"}, "s")
	require.NoError(t, err)

	err = m.Send(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send email")
}

func TestNewSMTPMailerAddress(t *testing.T) {
	m, err := NewSMTPMailer("", nil)
	require.NoError(t, err)
	assert.Equal(t, "localhost", m.Host)
	assert.Equal(t, 25, m.Port)

	_, err = NewSMTPMailer("localhost", nil)
	assert.Error(t, err)
	_, err = NewSMTPMailer("localhost:smtp", nil)
	assert.Error(t, err)
}
