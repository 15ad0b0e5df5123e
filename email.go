package main

import (
	"errors"
	"fmt"
	"net/smtp"
	"strings"
)

var errEmailNotConfigured = errors.New("EMAIL_NOT_CONFIGURED")

type otpMailer interface {
	SendOTP(to string, name string, otp string) error
}

type smtpMailer struct {
	cfg SMTPConfig
}

func newMailer(cfg SMTPConfig) otpMailer {
	return &smtpMailer{cfg: cfg}
}

func (m *smtpMailer) SendOTP(to string, name string, otp string) error {
	cfg := m.cfg
	if cfg.Host == "" || cfg.User == "" || cfg.Pass == "" {
		return errEmailNotConfigured
	}
	from := cfg.From
	if from == "" {
		from = cfg.User
	}

	subject := "PixelFuel - Verify your account"
	body := fmt.Sprintf("Hi %s,\n\nYour PixelFuel verification code is %s.\nIt expires in %d minutes.\n\nIf you did not sign up, you can ignore this email.", name, otp, int(otpTTL.Minutes()))

	msg := strings.Join([]string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	auth := smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
	return smtp.SendMail(addr, auth, from, []string{to}, []byte(msg))
}
