// Package texts holds the localized bot copy: the scripted nudges for each
// experiment group and the common prompts shared by both groups.
package texts

import (
	_ "embed"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"dilemma-experiment-backend/internal/randomizer"
)

// DefaultLanguage is used whenever a requested language has no table.
const DefaultLanguage = "en"

//go:embed texts.yaml
var embedded []byte

type Language struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`
}

// GroupTexts is the script shown to one experiment group in one language.
type GroupTexts struct {
	Welcome          string   `yaml:"welcome"`
	OpeningQuestions []string `yaml:"opening_questions"`
	PositiveFraming  []string `yaml:"positive_framing"`
	Reassurance      []string `yaml:"reassurance"`
	Norms            []string `yaml:"norms"`
	Closing          []string `yaml:"closing"`
	DecisionPrompt   string   `yaml:"decision_prompt"`
}

type Option struct {
	Value string `yaml:"value"`
	Label string `yaml:"label"`
}

type CommonTexts struct {
	Help                 string              `yaml:"help"`
	Status               string              `yaml:"status"`
	Error                string              `yaml:"error"`
	LanguageSelection    string              `yaml:"language_selection"`
	AlreadyParticipating string              `yaml:"already_participating"`
	SessionActive        string              `yaml:"session_active"`
	NotStarted           string              `yaml:"not_started"`
	Finished             string              `yaml:"finished"`
	RegistrationError    string              `yaml:"registration_error"`
	InvalidMessage       string              `yaml:"invalid_message"`
	TimeWarning          string              `yaml:"time_warning"`
	SessionEnded         string              `yaml:"session_ended"`
	DecisionButtons      map[string]string   `yaml:"decision_buttons"`
	DecisionRecorded     string              `yaml:"decision_recorded"`
	SurveyTitle          string              `yaml:"survey_title"`
	SurveyTextHint       string              `yaml:"survey_text_hint"`
	SurveyQuestions      map[string]string   `yaml:"survey_questions"`
	SurveyOptions        map[string][]Option `yaml:"survey_options"`
	ThankYou             string              `yaml:"thank_you"`
}

type document struct {
	Languages []Language                       `yaml:"languages"`
	Groups    map[string]map[string]GroupTexts `yaml:"groups"`
	Common    map[string]CommonTexts           `yaml:"common"`
}

// Catalog is immutable after Load and safe for concurrent use.
type Catalog struct {
	languages []Language
	groups    map[randomizer.Group]map[string]GroupTexts
	common    map[string]CommonTexts
	matcher   language.Matcher
}

// Load parses the embedded tables.
func Load() (*Catalog, error) {
	return Parse(embedded)
}

// Parse builds a catalog from YAML and checks that every listed language has
// complete tables for both groups.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("texts: %w", err)
	}
	if len(doc.Languages) == 0 {
		return nil, fmt.Errorf("texts: no languages")
	}

	c := &Catalog{
		languages: doc.Languages,
		groups:    make(map[randomizer.Group]map[string]GroupTexts, len(randomizer.Groups)),
		common:    doc.Common,
	}
	tags := make([]language.Tag, 0, len(doc.Languages))
	for _, l := range doc.Languages {
		tag, err := language.Parse(l.Code)
		if err != nil {
			return nil, fmt.Errorf("texts: language %q: %w", l.Code, err)
		}
		tags = append(tags, tag)

		if _, ok := doc.Common[l.Code]; !ok {
			return nil, fmt.Errorf("texts: no common table for %q", l.Code)
		}
		for _, g := range randomizer.Groups {
			gt, ok := doc.Groups[string(g)][l.Code]
			if !ok {
				return nil, fmt.Errorf("texts: no %s table for %q", g, l.Code)
			}
			if err := gt.check(); err != nil {
				return nil, fmt.Errorf("texts: %s/%s: %w", g, l.Code, err)
			}
		}
	}
	for _, g := range randomizer.Groups {
		c.groups[g] = doc.Groups[string(g)]
	}
	c.matcher = language.NewMatcher(tags)
	return c, nil
}

func (g GroupTexts) check() error {
	switch {
	case g.Welcome == "":
		return fmt.Errorf("empty welcome")
	case g.DecisionPrompt == "":
		return fmt.Errorf("empty decision prompt")
	case len(g.OpeningQuestions) == 0, len(g.PositiveFraming) == 0, len(g.Closing) == 0:
		return fmt.Errorf("empty script list")
	}
	return nil
}

// Languages returns the supported languages in display order.
func (c *Catalog) Languages() []Language {
	out := make([]Language, len(c.languages))
	copy(out, c.languages)
	return out
}

func (c *Catalog) Supported(code string) bool {
	_, ok := c.common[code]
	return ok
}

// Match maps a client language hint such as "en-US" or "ru" to a supported
// language code, falling back to DefaultLanguage.
func (c *Catalog) Match(hint string) string {
	if hint == "" {
		return DefaultLanguage
	}
	tag, err := language.Parse(hint)
	if err != nil {
		return DefaultLanguage
	}
	_, idx, conf := c.matcher.Match(tag)
	if conf == language.No {
		return DefaultLanguage
	}
	return c.languages[idx].Code
}

// Group returns the script for a group, falling back to DefaultLanguage.
func (c *Catalog) Group(lang string, g randomizer.Group) GroupTexts {
	byLang := c.groups[g]
	if gt, ok := byLang[lang]; ok {
		return gt
	}
	return byLang[DefaultLanguage]
}

// Common returns the shared prompts, falling back to DefaultLanguage.
func (c *Catalog) Common(lang string) CommonTexts {
	if ct, ok := c.common[lang]; ok {
		return ct
	}
	return c.common[DefaultLanguage]
}

// Pick returns one entry of list chosen by rnd, or "" for an empty list.
func Pick(list []string, rnd *rand.Rand) string {
	if len(list) == 0 {
		return ""
	}
	return list[rnd.IntN(len(list))]
}

// Minutes fills the {minutes} placeholder.
func Minutes(s string, n int) string {
	return strings.ReplaceAll(s, "{minutes}", strconv.Itoa(n))
}
