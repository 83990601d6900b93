// internal/normalize/classifier.go
package normalize

import (
	"regexp"
	"strings"
)

// Classifier guesses enrichment values from free text. Results are best effort;
// "" means no guess.
type Classifier interface {
	Industry(text string) string
	Province(text string) string
}

type Category struct {
	Name     string
	Keywords []string
}

// Industries in priority order: the first category with a matching keyword wins.
var Industries = []Category{
	{"Construction & Engineering", []string{"construction", "civil", "road", "building", "engineer", "electrical", "maintenance", "plumbing", "structural"}},
	{"Information Technology", []string{"software", "hardware", "it", "ict", "network", "data", "cybersecurity", "development", "website"}},
	{"Healthcare & Medical", []string{"medical", "health", "pharmaceutical", "hospital", "clinic", "surgical", "ppe"}},
	{"Professional Services", []string{"consulting", "advisory", "legal", "audit", "training", "research", "accounting", "human resources"}},
	{"Security Services", []string{"security", "guarding", "surveillance", "cctv", "access control"}},
	{"Transportation & Logistics", []string{"transport", "logistics", "fleet", "vehicle", "courier", "freight", "supply chain", "distribution", "warehousing"}},
	{"Agriculture & Environmental", []string{"agriculture", "farming", "forestry", "irrigation", "environmental", "waste management"}},
	{"Catering & Accommodation", []string{"catering", "accommodation", "events", "hospitality"}},
	{"General Supplies & Goods", []string{"supply of", "delivery of", "goods", "equipment", "materials", "stationery", "consumables"}},
	{"Cleaning & Hygiene", []string{"cleaning", "hygiene", "sanitation", "janitorial", "waste removal"}},
	{"Marketing & Communications", []string{"marketing", "advertising", "branding", "communications", "public relations", "media"}},
}

// Provinces in priority order.
var Provinces = []string{
	"Gauteng", "Western Cape", "KwaZulu-Natal", "Eastern Cape",
	"Limpopo", "Mpumalanga", "North West", "Free State", "Northern Cape",
}

type matcher struct {
	label string
	re    *regexp.Regexp
}

// KeywordClassifier scans text for the keyword tables above. Keywords of up to three
// letters ("it", "ict", "ppe") must match a whole word, longer ones a word prefix.
type KeywordClassifier struct {
	industries []matcher
	provinces  []matcher
}

func NewKeywordClassifier(industries []Category, provinces []string) *KeywordClassifier {
	k := &KeywordClassifier{}
	for _, c := range industries {
		for _, kw := range c.Keywords {
			k.industries = append(k.industries, matcher{label: c.Name, re: keywordRE(kw)})
		}
	}
	for _, p := range provinces {
		k.provinces = append(k.provinces, matcher{label: p, re: keywordRE(p)})
	}
	return k
}

func keywordRE(kw string) *regexp.Regexp {
	kw = strings.TrimSpace(kw)
	pattern := `(?i)\b` + regexp.QuoteMeta(kw)
	if len(kw) <= 3 {
		pattern += `\b`
	}
	return regexp.MustCompile(pattern)
}

func (k *KeywordClassifier) Industry(text string) string {
	return firstMatch(k.industries, text)
}

func (k *KeywordClassifier) Province(text string) string {
	return firstMatch(k.provinces, text)
}

func firstMatch(ms []matcher, text string) string {
	if text == "" {
		return ""
	}
	for _, m := range ms {
		if m.re.MatchString(text) {
			return m.label
		}
	}
	return ""
}

type noneClassifier struct{}

func (noneClassifier) Industry(string) string { return "" }
func (noneClassifier) Province(string) string { return "" }
