package notion

import (
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
)

func TestPlainValue(t *testing.T) {
	start := notionapi.Date(time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC))
	tests := []struct {
		name string
		prop notionapi.Property
		want string
	}{
		{"title", &notionapi.TitleProperty{Title: []notionapi.RichText{{PlainText: "Ana "}, {PlainText: "Souza"}}}, "Ana Souza"},
		{"rich text", &notionapi.RichTextProperty{RichText: []notionapi.RichText{{PlainText: "CEO"}}}, "CEO"},
		{"email", &notionapi.EmailProperty{Email: "ana@x.com"}, "ana@x.com"},
		{"phone", &notionapi.PhoneNumberProperty{PhoneNumber: "+55 11 99999-0000"}, "+55 11 99999-0000"},
		{"number", &notionapi.NumberProperty{Number: 7.5}, "7.5"},
		{"checkbox", &notionapi.CheckboxProperty{Checkbox: true}, "true"},
		{"select", &notionapi.SelectProperty{Select: notionapi.Option{Name: "Sim"}}, "Sim"},
		{"multi select", &notionapi.MultiSelectProperty{MultiSelect: []notionapi.Option{{Name: "a"}, {Name: "b"}}}, "a, b"},
		{"date", &notionapi.DateProperty{Date: &notionapi.DateObject{Start: &start}}, "2026-02-03T10:00:00Z"},
		{"empty date", &notionapi.DateProperty{}, ""},
		{"unsupported", &notionapi.FilesProperty{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PlainValue(tt.prop))
		})
	}
}

func TestPageValues(t *testing.T) {
	p := notionapi.Page{Properties: notionapi.Properties{
		"Nome":  &notionapi.TitleProperty{Title: []notionapi.RichText{{PlainText: " Ana "}}},
		"Email": &notionapi.EmailProperty{Email: "ana@x.com"},
	}}
	assert.Equal(t, map[string]string{"Nome": "Ana", "Email": "ana@x.com"}, PageValues(p))
}

func TestColumns(t *testing.T) {
	db := &notionapi.Database{Properties: notionapi.PropertyConfigs{
		"Nota":  &notionapi.NumberPropertyConfig{},
		"Nome":  &notionapi.TitlePropertyConfig{},
		"Email": &notionapi.EmailPropertyConfig{},
	}}
	assert.Equal(t, []string{"Nome", "Email", "Nota"}, Columns(db))
	assert.Empty(t, Columns(&notionapi.Database{}))
}
