// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package i18n holds the message catalog used for mails and API messages.
package i18n

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed translations/*.toml
var translationFS embed.FS

// DefaultLocale is used when no locale is known.
const DefaultLocale = "en"

// ErrUnknownMessage is returned when a message id exists in no loaded file.
var ErrUnknownMessage = errors.New("unknown message")

type localeContextKey struct{}

// Catalog is an immutable message bundle: the embedded translations, optionally
// layered with override files from a directory.
type Catalog struct {
	bundle  *i18n.Bundle
	matcher language.Matcher
	dir     string
}

// NewCatalog loads the embedded translations and then every active.*.toml file
// in overrideDir. Messages from overrideDir replace embedded ones with the same id.
func NewCatalog(overrideDir string) (*Catalog, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

	embedded, err := translationFS.ReadDir("translations")
	if err != nil {
		return nil, err
	}
	for _, entry := range embedded {
		if _, err := bundle.LoadMessageFileFS(translationFS, "translations/"+entry.Name()); err != nil {
			return nil, fmt.Errorf("load %s: %w", entry.Name(), err)
		}
	}

	if overrideDir != "" {
		info, err := os.Stat(overrideDir)
		if err != nil {
			return nil, fmt.Errorf("mail template dir: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("mail template dir %s is not a directory", overrideDir)
		}

		files, err := filepath.Glob(filepath.Join(overrideDir, "active.*.toml"))
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			if _, err := bundle.LoadMessageFile(file); err != nil {
				return nil, fmt.Errorf("load %s: %w", file, err)
			}
		}
	}

	return &Catalog{
		bundle:  bundle,
		matcher: language.NewMatcher(bundle.LanguageTags()),
		dir:     overrideDir,
	}, nil
}

// Dir returns the override directory, empty for the embedded defaults only.
func (c *Catalog) Dir() string {
	return c.dir
}

// Languages returns every language with at least one message.
func (c *Catalog) Languages() []language.Tag {
	return c.bundle.LanguageTags()
}

// Localize renders a message for locale. Missing translations fall back to
// English; ids unknown in every language return ErrUnknownMessage.
func (c *Catalog) Localize(locale, messageID string, data map[string]any) (string, error) {
	localizer := i18n.NewLocalizer(c.bundle, locale, DefaultLocale)
	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		var notFound *i18n.MessageNotFoundErr
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
		}
		return "", err
	}
	return msg, nil
}

// T translates a message for the locale stored in ctx, returning messageID
// when it cannot be rendered.
func (c *Catalog) T(ctx context.Context, messageID string) string {
	msg, err := c.Localize(GetLocale(ctx), messageID, nil)
	if err != nil {
		return messageID
	}
	return msg
}

// MatchLanguage matches the best language from Accept-Language header.
func (c *Catalog) MatchLanguage(acceptLanguage string) language.Tag {
	tag, _ := language.MatchStrings(c.matcher, acceptLanguage)
	base, _ := tag.Base()
	return language.Make(base.String())
}

// WithLocale adds the locale to the context.
func WithLocale(ctx context.Context, lang language.Tag) context.Context {
	return context.WithValue(ctx, localeContextKey{}, lang.String())
}

// GetLocale returns the current locale from context.
func GetLocale(ctx context.Context) string {
	if locale, ok := ctx.Value(localeContextKey{}).(string); ok && locale != "" {
		return locale
	}
	return DefaultLocale
}
