package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/JakeFAU/flowlens/internal/flow"
)

// legacyTemplate is one entry of the older list-shaped templates file.
type legacyTemplate struct {
	Code        string `json:"code"`
	Key         string `json:"key"`
	TemplateKey string `json:"template_key"`
	Name        string `json:"name"`
	ID          any    `json:"id"`
}

func (t legacyTemplate) key(index int) string {
	for _, k := range []string{t.Key, t.TemplateKey, t.Name} {
		if k != "" {
			return k
		}
	}
	switch id := t.ID.(type) {
	case string:
		if id != "" {
			return id
		}
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	}
	return strconv.Itoa(index)
}

// ParseTemplates accepts {"KEY": "<html>"} or a list of {"code": "<html>", "key": ...}.
func ParseTemplates(data []byte) (flow.SerpTemplates, error) {
	data = bytes.TrimSpace(bytes.TrimPrefix(data, utf8BOM))
	if len(data) == 0 {
		return nil, fmt.Errorf("empty templates file: %w", flow.ErrSourceUnavailable)
	}
	switch data[0] {
	case '{':
		var byKey map[string]string
		if err := json.Unmarshal(data, &byKey); err != nil {
			return nil, fmt.Errorf("decode templates object: %w", err)
		}
		return flow.SerpTemplates(byKey), nil
	case '[':
		var list []legacyTemplate
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode templates list: %w", err)
		}
		out := make(flow.SerpTemplates, len(list))
		for i, t := range list {
			if t.Code == "" {
				continue
			}
			out[t.key(i)] = t.Code
		}
		return out, nil
	default:
		if looksLikeHTML(data) {
			return nil, fmt.Errorf("templates source returned an html page: %w", flow.ErrSourceUnavailable)
		}
		return nil, fmt.Errorf("templates must be a json object or list")
	}
}
