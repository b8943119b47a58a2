package spreadsheet

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/lead-funnel/internal/config"
)

func xlsxBytes(t *testing.T, rows [][]string) []byte {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Leads")
	require.NoError(t, err)
	for _, data := range rows {
		row := sheet.AddRow()
		for _, v := range data {
			row.AddCell().SetString(v)
		}
	}
	p := filepath.Join(t.TempDir(), "leads.xlsx")
	require.NoError(t, f.Save(p))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	return b
}

func TestParse_CSV(t *testing.T) {
	data := "\xef\xbb\xbfE-mail,Nome,,Nome\n" +
		" ana@example.com , Ana Souza ,x,dup\n" +
		",,,\n" +
		"bob@example.com,Bob\n"

	s, err := Parse("Webinar Março.csv", []byte(data))
	require.NoError(t, err)
	assert.Equal(t, []string{"E-mail", "Nome", "unnamed:2", "Nome_2"}, s.Headers)
	require.Len(t, s.Rows, 2)
	assert.Equal(t, "ana@example.com", s.Rows[0]["E-mail"])
	assert.Equal(t, "Ana Souza", s.Rows[0]["Nome"])
	assert.Equal(t, "dup", s.Rows[0]["Nome_2"])
	assert.Equal(t, "Bob", s.Rows[1]["Nome"])
	assert.Equal(t, []int{2, 4}, s.Lines)
	_, ok := s.Rows[1]["Nome_2"]
	assert.False(t, ok)
}

func TestParse_CSVSemicolon(t *testing.T) {
	s, err := Parse("list.csv", []byte("email;telefone\nana@example.com;(11) 95555-4444\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "telefone"}, s.Headers)
	assert.Equal(t, "(11) 95555-4444", s.Rows[0]["telefone"])
}

func TestParse_XLSX(t *testing.T) {
	data := xlsxBytes(t, [][]string{
		{"Email", "Full Name", "Qual seu objetivo?"},
		{"ana@example.com", "Ana Souza", "Crescer"},
		{"", "", ""},
		{"bob@example.com", "Bob", "Aprender"},
	})

	s, err := Parse("leads.xlsx", data)
	require.NoError(t, err)
	assert.Equal(t, []string{"Email", "Full Name", "Qual seu objetivo?"}, s.Headers)
	require.Len(t, s.Rows, 2)
	assert.Equal(t, "Aprender", s.Rows[1]["Qual seu objetivo?"])
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("leads.pdf", []byte("x"))
	assert.Error(t, err)

	_, err = Parse("empty.csv", []byte("email,name\n"))
	assert.ErrorContains(t, err, "no data rows")

	_, err = Parse("blank.csv", []byte("\n\n"))
	assert.Error(t, err)
}

func TestTagKeyAndHash(t *testing.T) {
	assert.Equal(t, "Webinar Março", TagKey("/drops/Webinar Março.xlsx"))
	assert.Equal(t, "lista", TagKey(`C:\imports\lista.csv`))
	assert.Len(t, Hash([]byte("a")), 64)
	assert.Equal(t, Hash([]byte("a")), Hash([]byte("a")))
	assert.NotEqual(t, Hash([]byte("a")), Hash([]byte("b")))
}

func sheetOf(headers []string, rows ...map[string]string) *Sheet {
	return &Sheet{Headers: headers, Rows: rows}
}

func TestInfer(t *testing.T) {
	tests := []struct {
		name string
		s    *Sheet
		want Columns
	}{
		{
			name: "exact headers",
			s:    sheetOf([]string{"email", "nome", "telefone"}, map[string]string{"nome": "Ana"}),
			want: Columns{Email: "email", Name: "nome", Phone: "telefone"},
		},
		{
			name: "full name wins over name",
			s:    sheetOf([]string{"E-mail", "Nome", "Nome Completo"}, map[string]string{"Nome": "Ana"}),
			want: Columns{Email: "E-mail", Name: "Nome Completo"},
		},
		{
			name: "company and campaign names are skipped",
			s: sheetOf([]string{"Email Address", "Nome da Empresa", "Nome Campanha", "Participante"},
				map[string]string{"Participante": "Ana"}),
			want: Columns{Email: "Email Address", Name: "Participante"},
		},
		{
			name: "name column full of phone numbers",
			s: sheetOf([]string{"email", "name", "WhatsApp"},
				map[string]string{"name": "11 95555-4444"},
				map[string]string{"name": "(21) 98888-7777"}),
			want: Columns{Email: "email", Phone: "WhatsApp"},
		},
		{
			name: "nome with data preferred when no surname column",
			s: sheetOf([]string{"email", "Responsável", "nome"},
				map[string]string{"nome": "Ana", "Responsável": "Carla"}),
			want: Columns{Email: "email", Name: "nome"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Infer(tt.s)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInfer_NoEmailColumn(t *testing.T) {
	_, err := Infer(sheetOf([]string{"nome", "telefone"}))
	assert.ErrorIs(t, err, ErrNoEmailColumn)
}

func TestColumns_Questions(t *testing.T) {
	c := Columns{Email: "email", Name: "nome", Phone: "telefone"}
	got := c.Questions([]string{"email", "Qual seu cargo?", "nome", "unnamed:3", "telefone", "Nota"})
	assert.Equal(t, []string{"Qual seu cargo?", "Nota"}, got)
}

func TestLoader_LocalFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "local.csv")
	require.NoError(t, os.WriteFile(p, []byte("email\nana@example.com\n"), 0o600))

	f, err := NewLoader(config.SpreadsheetConfig{}).Load(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "local.csv", f.Name)
	assert.Equal(t, "email\nana@example.com\n", string(f.Data))

	_, err = NewLoader(config.SpreadsheetConfig{}).Load(context.Background(), filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

type fakeS3 struct {
	bucket, key string
	body        string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.bucket, f.key = *in.Bucket, *in.Key
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

func TestLoader_S3(t *testing.T) {
	client := &fakeS3{body: "email\nana@example.com\n"}
	l := NewLoader(config.SpreadsheetConfig{}).WithS3(client)

	f, err := l.Load(context.Background(), "s3://drops/2026/05/leads.csv")
	require.NoError(t, err)
	assert.Equal(t, "drops", client.bucket)
	assert.Equal(t, "2026/05/leads.csv", client.key)
	assert.Equal(t, "leads.csv", f.Name)
	assert.Equal(t, client.body, string(f.Data))

	_, err = l.Load(context.Background(), "s3://drops")
	assert.ErrorContains(t, err, "invalid s3 location")
}
