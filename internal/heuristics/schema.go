package heuristics

import (
	"fmt"
	"strings"
)

type schemaQuestion struct {
	Name string
	Type string
}

type schemaSection struct {
	ID        string
	Questions []schemaQuestion
}

// parseSections reads sections (or pages) of questions (or fields) from a form schema.
// Unknown shapes are skipped.
func parseSections(schema map[string]any) []schemaSection {
	if schema == nil {
		return nil
	}
	raw := firstList(schema, "sections", "pages")

	sections := make([]schemaSection, 0, len(raw))
	for _, item := range raw {
		sec, ok := item.(map[string]any)
		if !ok {
			continue
		}
		s := schemaSection{ID: firstString(sec, "id", "name")}
		for _, qi := range firstList(sec, "questions", "fields") {
			q, ok := qi.(map[string]any)
			if !ok {
				continue
			}
			s.Questions = append(s.Questions, schemaQuestion{
				Name: firstString(q, "name", "id"),
				Type: strings.ToLower(firstString(q, "type")),
			})
		}
		sections = append(sections, s)
	}
	return sections
}

func firstList(m map[string]any, keys ...string) []any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if list, ok := v.([]any); ok {
				return list
			}
			return nil
		}
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return stringify(v)
		}
	}
	return ""
}

// stringify renders an answer value for comparison.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
