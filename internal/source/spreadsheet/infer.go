package spreadsheet

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNoEmailColumn is returned when no header looks like an email column.
var ErrNoEmailColumn = eris.New("spreadsheet: no email column detected")

// Columns names the headers holding lead identifiers. Name and Phone are
// empty when not detected.
type Columns struct {
	Email string `json:"emailKey" yaml:"emailKey"`
	Name  string `json:"fullNameKey,omitempty" yaml:"fullNameKey,omitempty"`
	Phone string `json:"phoneKey,omitempty" yaml:"phoneKey,omitempty"`
}

var (
	emailPatterns = []string{
		"email", "e-mail", "e_mail", "mail", "correio", "correio eletronico",
		"endereco de email", "endereço de email", "email address", "endereco email",
		"endereço email", "e mail",
	}
	namePatterns = []string{
		"nome completo", "full name", "full_name", "nome", "name", "responsavel",
		"responsável", "aluno", "student", "participante", "participant", "candidato", "candidate",
	}
	phonePatterns = []string{
		"telefone", "phone", "celular", "whatsapp", "numero", "número", "num", "tel", "mobile",
		"telefone celular", "phone number", "numero telefone", "número telefone",
		"telefone whatsapp", "whatsapp number",
	}
	// Headers that mention a name but hold lists, campaigns or organizations.
	ignoredNamePatterns = []string{
		"lista de nomes", "lista nomes", "list names", "campanha", "campaign", "black", "geral",
		"mba", "tetra", "club", "bf",
	}
	organizationWords = []string{
		"empresa", "company", "organização", "organization", "organizacao", "trabalha", "trabalho",
		"work", "job", "empregador", "employer", "instituição", "instituicao", "institution",
	}
	surnameWords = []string{"sobrenome", "last name", "surname", "ultimo nome"}

	keySeparators = regexp.MustCompile(`[_\s\-]+`)
	phoneShape    = regexp.MustCompile(`^[\d\s\-()+]+$`)
)

// Infer detects the email, name and phone columns of a sheet. A missing
// email column fails the whole file.
func Infer(s *Sheet) (Columns, error) {
	normalized := make([]string, len(s.Headers))
	for i, h := range s.Headers {
		normalized[i] = normalizeKey(h)
	}

	email := bestMatch(normalized, s.Headers, emailPatterns)
	if email == "" {
		return Columns{}, ErrNoEmailColumn
	}
	phone := bestMatch(normalized, s.Headers, phonePatterns)
	return Columns{Email: email, Phone: phone, Name: bestNameColumn(s, normalized, phone)}, nil
}

// Questions returns the headers that are not identifier columns, in sheet
// order. Unnamed columns are skipped.
func (c Columns) Questions(headers []string) []string {
	var out []string
	for _, h := range headers {
		if h == c.Email || h == c.Name || h == c.Phone {
			continue
		}
		n := strings.ToLower(strings.TrimSpace(h))
		if n == "" || n == "unnamed" || strings.HasPrefix(n, "unnamed:") {
			continue
		}
		out = append(out, h)
	}
	return out
}

func normalizeKey(h string) string {
	return strings.TrimSpace(keySeparators.ReplaceAllString(strings.ToLower(h), " "))
}

// bestMatch tries exact, then prefix, then substring matches, each in
// pattern order.
func bestMatch(normalized, original, patterns []string) string {
	matchers := []func(h, p string) bool{
		func(h, p string) bool { return h == p },
		strings.HasPrefix,
		strings.Contains,
	}
	for _, match := range matchers {
		for _, p := range patterns {
			for i, h := range normalized {
				if match(h, p) {
					return original[i]
				}
			}
		}
	}
	return ""
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func mentionsPhone(h string) bool {
	if containsAny(h, []string{"whatsapp", "telefone", "phone", "celular", "mobile"}) {
		return true
	}
	return !strings.Contains(h, "nome") && containsAny(h, []string{"numero", "número", "num"})
}

func bestNameColumn(s *Sheet, normalized []string, phone string) string {
	var candidates []int
	for i, h := range normalized {
		if phone != "" && s.Headers[i] == phone {
			continue
		}
		if containsAny(h, ignoredNamePatterns) || containsAny(h, organizationWords) || mentionsPhone(h) {
			continue
		}
		if !containsAny(h, namePatterns) {
			continue
		}
		if holdsPhones(s, s.Headers[i]) {
			continue
		}
		candidates = append(candidates, i)
	}

	switch len(candidates) {
	case 0:
		return ""
	case 1:
		return s.Headers[candidates[0]]
	}

	for _, i := range candidates {
		if containsAny(normalized[i], []string{"nome completo", "full name"}) {
			return s.Headers[i]
		}
	}

	hasSurname := false
	for _, h := range normalized {
		if containsAny(h, surnameWords) {
			hasSurname = true
			break
		}
	}
	if !hasSurname {
		for _, i := range candidates {
			if (normalized[i] == "nome" || normalized[i] == "name") && hasData(s, s.Headers[i]) {
				return s.Headers[i]
			}
		}
	}
	return s.Headers[candidates[0]]
}

func hasData(s *Sheet, header string) bool {
	for _, row := range s.Rows {
		if row[header] != "" {
			return true
		}
	}
	return false
}

// holdsPhones reports whether more than 70% of the non-empty values of a
// column look like phone numbers.
func holdsPhones(s *Sheet, header string) bool {
	total, phones := 0, 0
	for _, row := range s.Rows {
		v := row[header]
		if v == "" {
			continue
		}
		total++
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			if strings.ContainsRune(" -()+", r) {
				return -1
			}
			return 'x'
		}, v)
		if phoneShape.MatchString(v) && len(digits) >= 8 && len(digits) <= 15 && !strings.ContainsRune(digits, 'x') {
			phones++
		}
	}
	if total == 0 {
		return false
	}
	return float64(phones)/float64(total) > 0.7
}
