package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

const DefaultSMTPAddr = "localhost:25"

// SMTPMailer delivers messages through an unauthenticated relay, normally the
// local MTA.
type SMTPMailer struct {
	Host string
	Port int

	log *zap.Logger
}

func NewSMTPMailer(addr string, log *zap.Logger) (*SMTPMailer, error) {
	if addr == "" {
		addr = DefaultSMTPAddr
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid smtp address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return nil, fmt.Errorf("invalid smtp port %q", portStr)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SMTPMailer{Host: host, Port: port, log: log}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message is nil")
	}

	d := gomail.NewDialer(m.Host, m.Port, "", "")
	// Local relays often offer STARTTLS with a self-signed certificate.
	d.TLSConfig = &tls.Config{ServerName: m.Host, InsecureSkipVerify: isLoopback(m.Host)}

	if err := d.DialAndSend(toGomail(msg)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	m.log.Info("email sent", zap.Strings("to", msg.To), zap.String("subject", msg.Subject))
	return nil
}

func toGomail(msg *Message) *gomail.Message {
	gm := gomail.NewMessage(gomail.SetCharset("UTF-8"), gomail.SetEncoding(gomail.Unencoded))
	gm.SetHeader("From", msg.From)
	gm.SetHeader("To", msg.To...)
	gm.SetHeader("Subject", msg.Subject)
	gm.SetBody("text/plain", msg.Text)
	if msg.HTML != "" {
		gm.AddAlternative("text/html", msg.HTML)
	}
	return gm
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
