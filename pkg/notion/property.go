package notion

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jomei/notionapi"
)

// PlainText concatenates the plain_text values from a slice of RichText.
func PlainText(rts []notionapi.RichText) string {
	var b strings.Builder
	for _, rt := range rts {
		b.WriteString(rt.PlainText)
	}
	return b.String()
}

// PlainValue renders a page property as the text a person would type in a
// spreadsheet cell. Unsupported property types render as "".
func PlainValue(prop notionapi.Property) string {
	switch p := prop.(type) {
	case *notionapi.TitleProperty:
		return PlainText(p.Title)
	case *notionapi.RichTextProperty:
		return PlainText(p.RichText)
	case *notionapi.EmailProperty:
		return p.Email
	case *notionapi.PhoneNumberProperty:
		return p.PhoneNumber
	case *notionapi.URLProperty:
		return p.URL
	case *notionapi.NumberProperty:
		return strconv.FormatFloat(p.Number, 'f', -1, 64)
	case *notionapi.CheckboxProperty:
		return strconv.FormatBool(p.Checkbox)
	case *notionapi.SelectProperty:
		return p.Select.Name
	case *notionapi.StatusProperty:
		return p.Status.Name
	case *notionapi.MultiSelectProperty:
		names := make([]string, len(p.MultiSelect))
		for i, opt := range p.MultiSelect {
			names[i] = opt.Name
		}
		return strings.Join(names, ", ")
	case *notionapi.DateProperty:
		if p.Date == nil || p.Date.Start == nil {
			return ""
		}
		return time.Time(*p.Date.Start).Format(time.RFC3339)
	}
	return ""
}

// PageValues renders every property of a page with PlainValue.
func PageValues(p notionapi.Page) map[string]string {
	out := make(map[string]string, len(p.Properties))
	for name, prop := range p.Properties {
		out[name] = strings.TrimSpace(PlainValue(prop))
	}
	return out
}

// Columns lists a database's property names: the title property first, the
// others sorted by name.
func Columns(db *notionapi.Database) []string {
	var title string
	rest := make([]string, 0, len(db.Properties))
	for name, cfg := range db.Properties {
		if _, ok := cfg.(*notionapi.TitlePropertyConfig); ok && title == "" {
			title = name
			continue
		}
		rest = append(rest, name)
	}
	sort.Strings(rest)
	if title == "" {
		return rest
	}
	return append([]string{title}, rest...)
}
