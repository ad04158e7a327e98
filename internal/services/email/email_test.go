// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package email_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"codeberg.org/oliverandrich/kopter/internal/config"
	"codeberg.org/oliverandrich/kopter/internal/i18n"
	"codeberg.org/oliverandrich/kopter/internal/models"
	"codeberg.org/oliverandrich/kopter/internal/queue"
	"codeberg.org/oliverandrich/kopter/internal/services/email"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	err  error
	sent []*email.Message
	mu   sync.Mutex
}

func (s *recordingSender) Send(_ context.Context, msg *email.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func newMailer(t *testing.T, sender email.Sender) *email.Mailer {
	t.Helper()
	catalog, err := i18n.NewCatalog("")
	require.NoError(t, err)
	return email.NewMailer(sender, catalog, nil)
}

func mailJob(t *testing.T, payload any) *models.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &models.Job{ID: "job-1", Queue: config.MailQueue, Payload: raw, AttemptCount: 1}
}

func validSMTPConfig() *config.SMTPConfig {
	return &config.SMTPConfig{
		Host:     "smtp.example.com",
		Port:     587,
		Username: "testuser",
		Password: "testpass",
		From:     "noreply@example.com",
		FromName: "Test App",
		TLS:      true,
	}
}

func TestHandleJob_ResetPassword(t *testing.T) {
	sender := &recordingSender{}
	mailer := newMailer(t, sender)

	err := mailer.HandleJob(context.Background(), mailJob(t, email.Job{
		User:       email.Recipient{ID: 1, Name: "Alice", Email: "alice@example.com"},
		MailName:   email.ResetPassword,
		Recipients: []string{"alice@example.com"},
		Data:       map[string]any{"ResetURL": "https://example.com/auth/reset-password/abc", "ExpiresIn": "10m0s"},
	}))

	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "job-1", msg.ID)
	assert.Equal(t, []string{"alice@example.com"}, msg.To)
	assert.Equal(t, "Reset your password", msg.Subject)
	assert.Contains(t, msg.Body, "Hello Alice")
	assert.Contains(t, msg.Body, "https://example.com/auth/reset-password/abc")
}

func TestHandleJob_LocaleAndPresetSubject(t *testing.T) {
	sender := &recordingSender{}
	mailer := newMailer(t, sender)

	err := mailer.HandleJob(context.Background(), mailJob(t, email.Job{
		User:       email.Recipient{Email: "bob@example.com"},
		MailName:   email.ConfirmEmail,
		Subject:    "Willkommen",
		Recipients: []string{"bob@example.com"},
		Locale:     "de",
		Data:       map[string]any{"ConfirmURL": "https://example.com/auth/confirm-email/xyz"},
	}))

	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "Willkommen", sender.sent[0].Subject)
	assert.Contains(t, sender.sent[0].Body, "Hallo bob")
}

func TestHandleJob_PermanentFailures(t *testing.T) {
	tests := []struct {
		name string
		job  *models.Job
	}{
		{"undecodable payload", &models.Job{ID: "x", Payload: []byte("{not json")}},
		{"missing mail name", mailJob(t, email.Job{Recipients: []string{"a@example.com"}})},
		{"no recipients", mailJob(t, email.Job{MailName: email.ConfirmEmail})},
		{"unknown mail", mailJob(t, email.Job{MailName: "newsletter", Recipients: []string{"a@example.com"}})},
		{"missing template dir", mailJob(t, email.Job{
			MailName:         email.ConfirmEmail,
			Recipients:       []string{"a@example.com"},
			CustomMailConfig: &email.CustomMailConfig{TemplateDir: "/does/not/exist"},
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &recordingSender{}

			err := newMailer(t, sender).HandleJob(context.Background(), tt.job)

			require.Error(t, err)
			assert.True(t, queue.IsPermanent(err))
			assert.Empty(t, sender.sent)
		})
	}
}

func TestHandleJob_SendFailureIsRetryable(t *testing.T) {
	sender := &recordingSender{err: errors.New("connection refused")}

	err := newMailer(t, sender).HandleJob(context.Background(), mailJob(t, email.Job{
		MailName:   email.ConfirmEmail,
		Recipients: []string{"a@example.com"},
	}))

	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
}

func TestHandleJob_CustomTemplateDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "active.en.toml"), []byte(`[confirm_email_body]
other = "Custom body for {{.Name}}"
`), 0o600))

	sender := &recordingSender{}
	mailer := newMailer(t, sender)
	job := mailJob(t, email.Job{
		User:             email.Recipient{Name: "Alice"},
		MailName:         email.ConfirmEmail,
		Recipients:       []string{"a@example.com"},
		CustomMailConfig: &email.CustomMailConfig{TemplateDir: dir},
	})

	require.NoError(t, mailer.HandleJob(context.Background(), job))
	require.NoError(t, mailer.HandleJob(context.Background(), job))

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "Custom body for Alice", sender.sent[0].Body)
	assert.Equal(t, "Confirm your email address", sender.sent[0].Subject)
}

func TestMessageIDs(t *testing.T) {
	assert.Equal(t, "reset_password_subject", email.SubjectID(email.ResetPassword))
	assert.Equal(t, "confirm_email_body", email.BodyID(email.ConfirmEmail))
}

func TestNewSMTPSender(t *testing.T) {
	sender, err := email.NewSMTPSender(validSMTPConfig())

	require.NoError(t, err)
	assert.NotNil(t, sender)
}

func TestNewSMTPSender_MissingHost(t *testing.T) {
	cfg := validSMTPConfig()
	cfg.Host = ""

	_, err := email.NewSMTPSender(cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "SMTP host is required")
}

func TestNewSMTPSender_MissingFrom(t *testing.T) {
	cfg := validSMTPConfig()
	cfg.From = ""

	_, err := email.NewSMTPSender(cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "SMTP from address is required")
}

func TestNewSender(t *testing.T) {
	sender, err := email.NewSender(&config.SMTPConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &email.LogSender{}, sender)

	sender, err = email.NewSender(validSMTPConfig(), nil)
	require.NoError(t, err)
	assert.IsType(t, &email.SMTPSender{}, sender)
}

func TestLogSender(t *testing.T) {
	sender := &email.LogSender{}

	err := sender.Send(context.Background(), &email.Message{To: []string{"a@example.com"}, Subject: "s", Body: "b"})

	assert.NoError(t, err)
}
