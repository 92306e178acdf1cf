package fortunebot

import (
	"errors"
	"fmt"
	"gopkg.in/yaml.v3"
	"os"
	"slices"
	"strings"
)

const DefaultPlaceholder = "{name}"

var defaultTemplates = []string{
	"{name}, drink a glass of water before you reply to that message.",
	"{name}, the bug is probably in the code you were sure was fine.",
	"{name}, go outside for ten minutes. The chat will still be here.",
	"{name}, write it down now. You won't remember it tomorrow.",
	"{name}, the first draft is allowed to be bad.",
	"{name}, ask the question. Someone else was wondering too.",
	"{name}, back up your files today, not after you need to.",
	"{name}, a short nap beats a long scroll.",
	"{name}, say thanks to someone who helped you this week.",
	"{name}, finish one thing before you start the next.",
	"{name}, the shortcut you're considering will take longer.",
	"{name}, read the error message again. Slowly.",
	"{name}, it's fine to log off before the match ends.",
	"{name}, tidy one small corner of your desk.",
	"{name}, stretch. Your back has been asking politely.",
	"{name}, trust the plan you made when you were well rested.",
}

var defaultAliases = map[string]string{
	"Kai' Sa":        "Aether",
	"SkrubLyfe":      "Logan",
	"Most ok Kat NA": "Trevor",
	"cokez11":        "Hamilton",
}

// Content is the advice pool, the placeholder marker substituted into
// each template, and the alias table used to resolve display names.
type Content struct {
	Placeholder string            `yaml:"placeholder" json:"placeholder"`
	Templates   []string          `yaml:"templates" json:"templates"`
	Aliases     map[string]string `yaml:"aliases" json:"aliases"`
}

// DefaultContent returns the built-in pool and alias table
func DefaultContent() *Content {
	aliases := make(map[string]string, len(defaultAliases))
	for k, v := range defaultAliases {
		aliases[k] = v
	}
	templates := make([]string, len(defaultTemplates))
	copy(templates, defaultTemplates)
	return &Content{
		Placeholder: DefaultPlaceholder,
		Templates:   templates,
		Aliases:     aliases,
	}
}

// LoadContent reads a YAML content file. Fields left empty in the file
// fall back to the built-in defaults. An empty path returns
// DefaultContent.
func LoadContent(path string) (*Content, error) {
	if path == "" {
		return DefaultContent(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading content file: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, errors.New("content file is empty")
	}

	c := &Content{}
	if err = yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("error parsing content file %q: %w", path, err)
	}

	defaults := DefaultContent()
	if c.Placeholder == "" {
		c.Placeholder = defaults.Placeholder
	}
	if len(c.Templates) == 0 {
		c.Templates = defaults.Templates
	}
	if c.Aliases == nil {
		c.Aliases = defaults.Aliases
	}

	if err = c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that the pool isn't empty, and that every template
// contains the placeholder
func (c *Content) Validate() error {
	if c.Placeholder == "" {
		return errors.New("placeholder must not be empty")
	}
	if len(c.Templates) == 0 {
		return ErrEmptyPool
	}
	var errs []error
	for i, t := range c.Templates {
		if !strings.Contains(t, c.Placeholder) {
			errs = append(
				errs,
				fmt.Errorf("%w: template %d: %q", ErrInvalidPlaceholder, i, t),
			)
		}
	}
	folded := make(map[string]string, len(c.Aliases))
	for k := range c.Aliases {
		key := strings.ToLower(k)
		if prev, ok := folded[key]; ok && prev != k {
			a, b := prev, k
			if b < a {
				a, b = b, a
			}
			errs = append(errs, fmt.Errorf("%w: %q and %q", ErrDuplicateAlias, a, b))
			continue
		}
		folded[key] = k
	}
	return errors.Join(errs...)
}

// Size returns the number of templates in the pool
func (c *Content) Size() int {
	return len(c.Templates)
}

// DisplayName resolves the name substituted into a template. Aliases are
// matched against the user ID, then the username (exact match first,
// then case-insensitive). Unmapped identities get fallback, unchanged.
func (c *Content) DisplayName(userID, username, fallback string) string {
	for _, key := range []string{userID, username} {
		if key == "" {
			continue
		}
		if alias, ok := c.Aliases[key]; ok {
			return alias
		}
	}
	if username != "" {
		keys := make([]string, 0, len(c.Aliases))
		for k := range c.Aliases {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if strings.EqualFold(k, username) {
				return c.Aliases[k]
			}
		}
	}
	if fallback == "" {
		return username
	}
	return fallback
}

// Render returns the template at index with every occurrence of the
// placeholder replaced by name
func (c *Content) Render(index int, name string) (string, error) {
	if index < 0 || index >= len(c.Templates) {
		return "", fmt.Errorf(
			"template index %d out of range [0, %d)",
			index,
			len(c.Templates),
		)
	}
	return strings.ReplaceAll(c.Templates[index], c.Placeholder, name), nil
}

// YAML returns the content encoded as YAML, as read by LoadContent
func (c *Content) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

var ErrInvalidPlaceholder = errors.New("template is missing the placeholder")

// ErrDuplicateAlias is returned by Content.Validate when two alias keys
// differ only by case
var ErrDuplicateAlias = errors.New("alias keys differ only by case")
