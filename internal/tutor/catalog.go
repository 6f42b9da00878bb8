package tutor

import (
	"fmt"
	"strings"
)

// Catalog lists the selectable languages and personas.
type Catalog struct {
	Languages []Language `yaml:"languages" json:"languages"`
	Personas  []Persona  `yaml:"personas" json:"personas"`
}

// DefaultCatalog returns the built-in selection.
func DefaultCatalog() Catalog {
	return Catalog{
		Languages: []Language{
			{Code: "es", Name: "Spanish", Flag: "🇪🇸", DefaultVoice: "Puck"},
			{Code: "fr", Name: "French", Flag: "🇫🇷", DefaultVoice: "Charon"},
			{Code: "de", Name: "German", Flag: "🇩🇪", DefaultVoice: "Fenrir"},
			{Code: "it", Name: "Italian", Flag: "🇮🇹", DefaultVoice: "Kore"},
			{Code: "pt", Name: "Portuguese", Flag: "🇧🇷", DefaultVoice: "Aoede"},
			{Code: "ja", Name: "Japanese", Flag: "🇯🇵", DefaultVoice: "Kore"},
			{Code: "ko", Name: "Korean", Flag: "🇰🇷", DefaultVoice: "Zephyr"},
			{Code: "zh", Name: "Mandarin Chinese", Flag: "🇨🇳", DefaultVoice: "Puck"},
			{Code: "hi", Name: "Hindi", Flag: "🇮🇳", DefaultVoice: "Charon"},
			{Code: "en", Name: "English", Flag: "🇺🇸", DefaultVoice: "Zephyr"},
		},
		Personas: []Persona{
			{ID: "Puck", Name: "Leo", Gender: "Male", Description: "Upbeat and playful"},
			{ID: "Charon", Name: "Marcus", Gender: "Male", Description: "Deep and steady"},
			{ID: "Fenrir", Name: "Felix", Gender: "Male", Description: "Energetic and direct"},
			{ID: "Kore", Name: "Sarah", Gender: "Female", Description: "Calm and articulate"},
			{ID: "Aoede", Name: "Clara", Gender: "Female", Description: "Bright and expressive"},
			{ID: "Zephyr", Name: "Nova", Gender: "Female", Description: "Gentle and encouraging"},
		},
	}
}

// Merge returns c with entries from o added or replacing those with the same
// code or ID.
func (c Catalog) Merge(o Catalog) Catalog {
	out := Catalog{
		Languages: append([]Language(nil), c.Languages...),
		Personas:  append([]Persona(nil), c.Personas...),
	}
	for _, l := range o.Languages {
		if i := indexLanguage(out.Languages, l.Code); i >= 0 {
			out.Languages[i] = l
		} else {
			out.Languages = append(out.Languages, l)
		}
	}
	for _, p := range o.Personas {
		if i := indexPersona(out.Personas, p.ID); i >= 0 {
			out.Personas[i] = p
		} else {
			out.Personas = append(out.Personas, p)
		}
	}
	return out
}

// LookupLanguage finds a language by code or name, case-insensitively.
func (c Catalog) LookupLanguage(key string) (Language, error) {
	key = strings.TrimSpace(key)
	for _, l := range c.Languages {
		if strings.EqualFold(l.Code, key) || strings.EqualFold(l.Name, key) {
			return l, nil
		}
	}
	return Language{}, fmt.Errorf("%w: unknown language %q", ErrInvalidSelection, key)
}

// LookupPersona finds a persona by voice ID or display name,
// case-insensitively.
func (c Catalog) LookupPersona(key string) (Persona, error) {
	key = strings.TrimSpace(key)
	for _, p := range c.Personas {
		if strings.EqualFold(p.ID, key) || strings.EqualFold(p.Name, key) {
			return p, nil
		}
	}
	return Persona{}, fmt.Errorf("%w: unknown persona %q", ErrInvalidSelection, key)
}

// Resolve looks up a language and persona. An empty persona falls back to the
// language's default voice, then to the first persona.
func (c Catalog) Resolve(language, persona string) (Language, Persona, error) {
	lang, err := c.LookupLanguage(language)
	if err != nil {
		return Language{}, Persona{}, err
	}
	if strings.TrimSpace(persona) == "" {
		persona = lang.DefaultVoice
	}
	if persona == "" {
		if len(c.Personas) == 0 {
			return Language{}, Persona{}, fmt.Errorf("%w: catalog has no personas", ErrInvalidSelection)
		}
		return lang, c.Personas[0], nil
	}
	p, err := c.LookupPersona(persona)
	if err != nil {
		return Language{}, Persona{}, err
	}
	return lang, p, nil
}

func indexLanguage(ls []Language, code string) int {
	for i, l := range ls {
		if strings.EqualFold(l.Code, code) {
			return i
		}
	}
	return -1
}

func indexPersona(ps []Persona, id string) int {
	for i, p := range ps {
		if strings.EqualFold(p.ID, id) {
			return i
		}
	}
	return -1
}
