// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package email renders and delivers the mails queued on config.MailQueue.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"codeberg.org/oliverandrich/kopter/internal/i18n"
	"codeberg.org/oliverandrich/kopter/internal/models"
	"codeberg.org/oliverandrich/kopter/internal/queue"
)

// Mail names understood by the embedded catalog.
const (
	ConfirmEmail  = "confirm-email"
	ResetPassword = "reset-password"
)

// Recipient is the user snapshot carried by a mail job.
type Recipient struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CustomMailConfig points a job at a message catalog override directory.
type CustomMailConfig struct {
	TemplateDir string `json:"templateDir"`
}

// Job is the payload of a mail job.
type Job struct {
	User             Recipient         `json:"user"`
	MailName         string            `json:"mailName"`
	Subject          string            `json:"subject"`
	Recipients       []string          `json:"recipients"`
	CustomMailConfig *CustomMailConfig `json:"customMailConfig,omitempty"`
	Locale           string            `json:"locale,omitempty"`
	Data             map[string]any    `json:"data,omitempty"`
}

// Message is a rendered mail.
type Message struct {
	ID      string
	To      []string
	Subject string
	Body    string
}

// Sender delivers rendered mails.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// SubjectID returns the catalog message id of a mail's subject.
func SubjectID(mailName string) string {
	return messageID(mailName, "subject")
}

// BodyID returns the catalog message id of a mail's body.
func BodyID(mailName string) string {
	return messageID(mailName, "body")
}

func messageID(mailName, part string) string {
	return strings.ReplaceAll(mailName, "-", "_") + "_" + part
}

// Mailer is the queue handler for mail jobs.
type Mailer struct {
	sender   Sender
	catalog  *i18n.Catalog
	logger   *slog.Logger
	catalogs map[string]*i18n.Catalog
	mu       sync.Mutex
}

// NewMailer creates a mailer rendering with catalog and delivering through sender.
func NewMailer(sender Sender, catalog *i18n.Catalog, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mailer{
		sender:   sender,
		catalog:  catalog,
		logger:   logger,
		catalogs: make(map[string]*i18n.Catalog),
	}
	m.catalogs[catalog.Dir()] = catalog
	return m
}

// HandleJob renders and sends one mail job. Malformed jobs fail permanently;
// delivery errors are returned for retry.
func (m *Mailer) HandleJob(ctx context.Context, job *models.Job) error {
	var payload Job
	if err := queue.Decode(job, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("decode mail job: %w", err))
	}
	if payload.MailName == "" {
		return queue.Permanent(errors.New("mail job without mailName"))
	}
	if len(payload.Recipients) == 0 {
		return queue.Permanent(fmt.Errorf("mail %s has no recipients", payload.MailName))
	}

	msg, err := m.Render(&payload)
	if err != nil {
		return err
	}
	msg.ID = job.ID

	if err := m.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", payload.MailName, err)
	}

	m.logger.InfoContext(ctx, "mail_sent",
		"job_id", job.ID,
		"mail", payload.MailName,
		"user_id", payload.User.ID,
		"attempt", job.AttemptCount,
	)
	return nil
}

// Render produces the message for a mail job. A preset subject wins over the catalog.
func (m *Mailer) Render(job *Job) (*Message, error) {
	catalog, err := m.catalogFor(job.CustomMailConfig)
	if err != nil {
		return nil, queue.Permanent(err)
	}

	locale := job.Locale
	if locale == "" {
		locale = i18n.DefaultLocale
	}

	data := make(map[string]any, len(job.Data)+2)
	data["Name"] = displayName(job.User)
	data["Email"] = job.User.Email
	for k, v := range job.Data {
		data[k] = v
	}

	body, err := catalog.Localize(locale, BodyID(job.MailName), data)
	if err != nil {
		return nil, queue.Permanent(fmt.Errorf("render mail %s: %w", job.MailName, err))
	}

	subject := job.Subject
	if subject == "" {
		if subject, err = catalog.Localize(locale, SubjectID(job.MailName), data); err != nil {
			return nil, queue.Permanent(fmt.Errorf("render mail %s: %w", job.MailName, err))
		}
	}

	return &Message{To: job.Recipients, Subject: subject, Body: body}, nil
}

// catalogFor returns the catalog for a job's override directory, loading it once.
func (m *Mailer) catalogFor(custom *CustomMailConfig) (*i18n.Catalog, error) {
	if custom == nil || custom.TemplateDir == "" {
		return m.catalog, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if catalog, ok := m.catalogs[custom.TemplateDir]; ok {
		return catalog, nil
	}
	catalog, err := i18n.NewCatalog(custom.TemplateDir)
	if err != nil {
		return nil, err
	}
	m.catalogs[custom.TemplateDir] = catalog
	return catalog, nil
}

func displayName(user Recipient) string {
	if user.Name != "" {
		return user.Name
	}
	local, _, _ := strings.Cut(user.Email, "@")
	return local
}
