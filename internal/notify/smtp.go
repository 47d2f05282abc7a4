package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/sitelicense/license-server/internal/config"
	"github.com/sitelicense/license-server/internal/db/models"
)

// SMTPSink emails the customer a plain-text message for each notification
type SMTPSink struct {
	cfg      *config.SMTPConfig
	sendMail func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSink creates an SMTP sink
func NewSMTPSink(cfg *config.SMTPConfig) *SMTPSink {
	s := &SMTPSink{cfg: cfg}
	if cfg.UseTLS {
		s.sendMail = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
			return sendMailTLS(addr, cfg.Host, auth, from, to, msg)
		}
	} else {
		s.sendMail = smtp.SendMail
	}
	return s
}

// Name implements Sink
func (s *SMTPSink) Name() string { return "smtp" }

// Send implements Sink. net/smtp has no context support, so ctx is only checked before dialling.
func (s *SMTPSink) Send(ctx context.Context, n Notification) error {
	if n.Email == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := composeMessage(s.cfg.From, n)
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	if err := s.sendMail(addr, auth, s.cfg.From, []string{n.Email}, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", n.Email, err)
	}
	return nil
}

// composeMessage renders the headers and body for n
func composeMessage(from string, n Notification) []byte {
	subject, lead := describe(n)

	name := n.CustomerName
	if name == "" {
		name = "there"
	}
	lines := []string{
		fmt.Sprintf("Hello %s,", name),
		"",
		lead,
		"",
		fmt.Sprintf("License key: %s", n.LicenseKey),
		fmt.Sprintf("Plan type:   %s", n.LicenseType),
		fmt.Sprintf("Status:      %s", n.Status),
		fmt.Sprintf("Sites:       %d in use, %s remaining", n.SeatsUsed, n.SeatsRemaining),
	}
	if n.NextRenewal != nil {
		lines = append(lines, fmt.Sprintf("Renews/ends: %s", n.NextRenewal.UTC().Format(time.RFC1123)))
	}
	lines = append(lines, "", "Thank you for using our plugin.")

	headers := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n",
		from, n.Email, subject,
	)
	return []byte(headers + strings.Join(lines, "\r\n") + "\r\n")
}

// describe returns the subject and first paragraph for a notification kind
func describe(n Notification) (subject, lead string) {
	switch n.EventKind {
	case KindTrialCreated:
		return "Your free trial has started", "Your trial license is ready. Enter the key below in the plugin settings to activate it."
	case KindLicenseCreated:
		return "Your license key", "Thank you for your purchase. Enter the key below in the plugin settings to activate it."
	case KindTrialExpiring:
		return "Your trial is ending soon", "Your trial is about to end. Purchase a plan to keep your sites running without interruption."
	}

	switch n.Status {
	case models.LicenseStatusActive:
		return "Your license is active", "Your license is active."
	case models.LicenseStatusExpired:
		return "Your license has expired", "Your license has expired and the plugin will stop validating on your sites."
	case models.LicenseStatusSuspended:
		return "Payment problem with your license", "We could not collect your last payment, so your license has been suspended. Update your payment details to restore it."
	case models.LicenseStatusCancelled:
		return "Your subscription was cancelled", "Your subscription has been cancelled."
	case models.LicenseStatusDeactivated:
		return "Your license was deactivated", "Your license has been deactivated following a refund."
	}
	return "License update", "There has been a change to your license."
}

// sendMailTLS connects via implicit TLS (port 465) and sends a message, falling back to
// STARTTLS through smtp.SendMail when the TLS dial fails.
func sendMailTLS(addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return smtp.SendMail(addr, auth, from, to, msg)
	}
	defer conn.Close()

	hostname, _, _ := net.SplitHostPort(addr)
	c, err := smtp.NewClient(conn, hostname)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer c.Quit() //nolint:errcheck

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}
