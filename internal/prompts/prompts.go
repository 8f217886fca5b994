package prompts

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/timmy/xbutler/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed default_prompts.yaml
var defaultPromptsYAML []byte

//go:embed prompt_set.schema.json
var promptSetSchemaJSON string

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

// multiSpace matches the runs of whitespace the model uses to separate answers.
var multiSpace = regexp.MustCompile(`\s{2,}`)

// Suffix is one keyword category of the prompt set and the pattern that pulls its word from model output.
type Suffix struct {
	Category    string
	Pattern     *regexp.Regexp
	FillingWord string
}

// Set is a validated keyword prompt set.
type Set struct {
	Characteristics string
	Suffixes        []Suffix
}

// Default returns the embedded prompt set.
func Default() (*Set, error) {
	return Parse(defaultPromptsYAML)
}

// Load reads a prompt set from path, or the embedded default when path is empty.
// JSON files are accepted too.
func Load(path string) (*Set, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt set: %w", err)
	}
	set, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("prompt set %s: %w", path, err)
	}
	return set, nil
}

// Parse validates data against the prompt set schema and compiles every suffix pattern.
// Suffix order in the document is preserved.
func Parse(data []byte) (*Set, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode prompt set: %w", err)
	}
	if err := validate(&doc); err != nil {
		return nil, err
	}

	root := doc.Content[0]
	set := &Set{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		switch key.Value {
		case "characteristics":
			set.Characteristics = val.Value
		case "suffixes":
			for j := 0; j+1 < len(val.Content); j += 2 {
				suffix, err := parseSuffix(val.Content[j].Value, val.Content[j+1])
				if err != nil {
					return nil, err
				}
				set.Suffixes = append(set.Suffixes, suffix)
			}
		}
	}
	return set, nil
}

func parseSuffix(category string, node *yaml.Node) (Suffix, error) {
	var raw struct {
		Pat         string  `yaml:"pat"`
		FillingWord *string `yaml:"filling_word"`
	}
	if err := node.Decode(&raw); err != nil {
		return Suffix{}, fmt.Errorf("suffix %s: %w", category, err)
	}
	re, err := regexp.Compile(raw.Pat)
	if err != nil {
		return Suffix{}, fmt.Errorf("suffix %s: bad pattern: %w", category, err)
	}
	s := Suffix{Category: category, Pattern: re}
	if raw.FillingWord != nil {
		s.FillingWord = strings.TrimSpace(*raw.FillingWord)
	}
	return s, nil
}

// validate checks the document against the embedded JSON schema.
// The YAML tree is round-tripped through JSON so the validator sees plain JSON values.
func validate(doc *yaml.Node) error {
	if len(doc.Content) == 0 {
		return fmt.Errorf("prompt set is empty")
	}
	var generic interface{}
	if err := doc.Decode(&generic); err != nil {
		return fmt.Errorf("decode prompt set: %w", err)
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("prompt set is not JSON compatible: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return fmt.Errorf("normalize prompt set: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		if err := compiler.AddResource("prompt_set.schema.json", strings.NewReader(promptSetSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("prompt_set.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}
		compiledSchema = schema
	})
	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	return compiledSchema, nil
}

// Categories returns the keyword category names in suffix order.
func (s *Set) Categories() []string {
	out := make([]string, len(s.Suffixes))
	for i, suf := range s.Suffixes {
		out[i] = suf.Category
	}
	return out
}

// ExtractKeywords turns raw model output into at most one keyword per suffix, in suffix order.
// The text is NFKC-normalized and lower-cased; runs of whitespace become line breaks.
// The first capture group of a suffix's pattern is the word (the whole match if the pattern has
// no groups); inner spaces become hyphens and the filling word, if any, is appended.
// Suffixes whose pattern does not match are skipped.
func (s *Set) ExtractKeywords(output string) []domain.ExtractedKeyword {
	text := cases.Lower(language.Und).String(norm.NFKC.String(output))
	text = multiSpace.ReplaceAllString(text, "\n")

	keywords := make([]domain.ExtractedKeyword, 0, len(s.Suffixes))
	for _, suf := range s.Suffixes {
		m := suf.Pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		word := m[0]
		if len(m) > 1 {
			word = m[1]
		}
		word = strings.Join(strings.Fields(word), "-")
		if word == "" {
			continue
		}
		if suf.FillingWord != "" {
			word = word + "-" + suf.FillingWord
		}
		keywords = append(keywords, domain.ExtractedKeyword{Word: word, Category: suf.Category})
	}
	return keywords
}
