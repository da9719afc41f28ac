package grobid

import (
	"encoding/xml"
	"strings"

	"github.com/snowsearch/snowsearch/internal/domain"
)

// TEIDocument is the extracted structure of one paper: its own title and
// DOI from the header, its abstract, and the references from its
// bibliography.
type TEIDocument struct {
	Title      string
	DOI        string
	Abstract   string
	References []domain.Citation
}

// teiRoot mirrors the parts of GROBID's TEI output the pipeline consumes.
type teiRoot struct {
	XMLName xml.Name  `xml:"TEI"`
	Header  teiHeader `xml:"teiHeader"`
	Text    teiText   `xml:"text"`
}

type teiHeader struct {
	FileDesc struct {
		TitleStmt struct {
			Titles []teiTitle `xml:"title"`
		} `xml:"titleStmt"`
		SourceDesc struct {
			BiblStruct biblStruct `xml:"biblStruct"`
		} `xml:"sourceDesc"`
	} `xml:"fileDesc"`
	ProfileDesc struct {
		Abstract struct {
			Divs []teiDiv `xml:"div"`
		} `xml:"abstract"`
	} `xml:"profileDesc"`
}

type teiDiv struct {
	Paragraphs []string `xml:"p"`
}

type teiText struct {
	Back struct {
		Divs []struct {
			Type     string `xml:"type,attr"`
			ListBibl struct {
				Entries []biblStruct `xml:"biblStruct"`
			} `xml:"listBibl"`
		} `xml:"div"`
	} `xml:"back"`
}

// biblStruct is one bibliography entry. Journal articles carry their title in
// the analytic element and the venue in monogr; books and reports only have
// monogr.
type biblStruct struct {
	Analytic struct {
		Titles []teiTitle `xml:"title"`
		IDNos  []teiIDNo  `xml:"idno"`
	} `xml:"analytic"`
	Monogr struct {
		Titles []teiTitle `xml:"title"`
		IDNos  []teiIDNo  `xml:"idno"`
	} `xml:"monogr"`
}

type teiTitle struct {
	Type  string `xml:"type,attr"`
	Level string `xml:"level,attr"`
	Value string `xml:",chardata"`
}

type teiIDNo struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

// ParseTEI extracts the abstract and bibliography from a TEI XML document.
func ParseTEI(raw []byte) (*TEIDocument, error) {
	var root teiRoot
	if err := xml.Unmarshal(raw, &root); err != nil {
		return nil, err
	}

	source := root.Header.FileDesc.SourceDesc.BiblStruct
	doi := pickDOI(source.Analytic.IDNos)
	if doi == "" {
		doi = pickDOI(source.Monogr.IDNos)
	}

	doc := &TEIDocument{
		Title:    strings.TrimSpace(normalizeSpace(pickTitle(root.Header.FileDesc.TitleStmt.Titles))),
		DOI:      strings.TrimSpace(doi),
		Abstract: joinAbstract(root.Header.ProfileDesc.Abstract.Divs),
	}

	for _, div := range root.Text.Back.Divs {
		if div.Type != "" && div.Type != "references" {
			continue
		}
		for _, entry := range div.ListBibl.Entries {
			citation := entryToCitation(entry)
			if citation.Title != "" {
				doc.References = append(doc.References, citation)
			}
		}
	}

	return doc, nil
}

// joinAbstract flattens abstract paragraphs into one text block.
func joinAbstract(divs []teiDiv) string {
	var parts []string
	for _, div := range divs {
		for _, p := range div.Paragraphs {
			if trimmed := strings.TrimSpace(normalizeSpace(p)); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// entryToCitation pulls title and DOI out of one bibliography entry,
// preferring the analytic (article-level) fields over monogr.
func entryToCitation(entry biblStruct) domain.Citation {
	title := pickTitle(entry.Analytic.Titles)
	if title == "" {
		title = pickTitle(entry.Monogr.Titles)
	}

	doi := pickDOI(entry.Analytic.IDNos)
	if doi == "" {
		doi = pickDOI(entry.Monogr.IDNos)
	}

	return domain.Citation{
		Title: strings.TrimSpace(normalizeSpace(title)),
		DOI:   strings.TrimSpace(doi),
	}
}

func pickTitle(titles []teiTitle) string {
	for _, title := range titles {
		if title.Type == "main" && strings.TrimSpace(title.Value) != "" {
			return title.Value
		}
	}
	for _, title := range titles {
		if strings.TrimSpace(title.Value) != "" {
			return title.Value
		}
	}
	return ""
}

func pickDOI(idnos []teiIDNo) string {
	for _, idno := range idnos {
		if strings.EqualFold(idno.Type, "DOI") {
			return idno.Value
		}
	}
	return ""
}

// normalizeSpace collapses runs of whitespace, which TEI output is full of.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
