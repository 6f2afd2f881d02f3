package handler

import (
	"net/http"

	"github.com/sakif/polyglot-runner/internal/executor/language"
)

// LanguageLister is satisfied by *language.Registry.
type LanguageLister interface {
	Languages() []language.Descriptor
}

type LanguageInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Aliases      []string `json:"aliases"`
	Extension    string   `json:"extension"`
	Compiled     bool     `json:"compiled"`
	Dependencies bool     `json:"dependencies"`
}

type LanguagesHandler struct {
	registry LanguageLister
}

func NewLanguagesHandler(registry LanguageLister) *LanguagesHandler {
	return &LanguagesHandler{registry: registry}
}

// HandleList serves GET /api/languages. Toolchain commands stay server side.
func (h *LanguagesHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	descs := h.registry.Languages()
	out := make([]LanguageInfo, 0, len(descs))
	for _, d := range descs {
		aliases := d.Aliases
		if aliases == nil {
			aliases = []string{}
		}
		out = append(out, LanguageInfo{
			ID:           d.ID,
			Name:         d.Name,
			Aliases:      aliases,
			Extension:    d.Extension,
			Compiled:     d.Compiled(),
			Dependencies: d.SupportsDependencies(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"languages": out})
}
