package grobid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowsearch/snowsearch/internal/domain"
)

const sampleTEI = `<?xml version="1.0" encoding="UTF-8"?>
<TEI xmlns="http://www.tei-c.org/ns/1.0">
  <teiHeader>
    <fileDesc>
      <titleStmt>
        <title level="a" type="main">Snowball Sampling for Literature Discovery</title>
      </titleStmt>
      <sourceDesc>
        <biblStruct>
          <analytic>
            <idno type="DOI">10.9999/snowball.2024</idno>
          </analytic>
        </biblStruct>
      </sourceDesc>
    </fileDesc>
    <profileDesc>
      <abstract>
        <div>
          <p>Snowballing expands a seed set of papers   by following
             citations.</p>
          <p>We evaluate the approach on three review corpora.</p>
        </div>
      </abstract>
    </profileDesc>
  </teiHeader>
  <text>
    <back>
      <div type="references">
        <listBibl>
          <biblStruct>
            <analytic>
              <title level="a" type="main">Guidelines for Snowballing in Systematic Literature Studies</title>
              <idno type="DOI">10.1145/2601248.2601268</idno>
            </analytic>
            <monogr>
              <title level="m">Proceedings of EASE</title>
            </monogr>
          </biblStruct>
          <biblStruct>
            <monogr>
              <title level="m" type="main">Software Engineering: A Practitioner's Approach</title>
            </monogr>
          </biblStruct>
          <biblStruct>
            <monogr>
              <title level="j">Untitled Venue Only</title>
            </monogr>
          </biblStruct>
        </listBibl>
      </div>
    </back>
  </text>
</TEI>`

func TestParseTEI(t *testing.T) {
	doc, err := ParseTEI([]byte(sampleTEI))
	require.NoError(t, err)

	assert.Equal(t, "Snowball Sampling for Literature Discovery", doc.Title)
	assert.Equal(t, "10.9999/snowball.2024", doc.DOI)
	assert.Equal(t,
		"Snowballing expands a seed set of papers by following citations.\nWe evaluate the approach on three review corpora.",
		doc.Abstract)

	require.Len(t, doc.References, 3)
	assert.Equal(t, domain.Citation{
		Title: "Guidelines for Snowballing in Systematic Literature Studies",
		DOI:   "10.1145/2601248.2601268",
	}, doc.References[0])
	assert.Equal(t, "Software Engineering: A Practitioner's Approach", doc.References[1].Title)
	assert.Empty(t, doc.References[1].DOI)
}

func TestParseTEIEmptyDocument(t *testing.T) {
	doc, err := ParseTEI([]byte(`<TEI></TEI>`))
	require.NoError(t, err)
	assert.Empty(t, doc.Abstract)
	assert.Empty(t, doc.References)
}

func TestParseTEIMalformed(t *testing.T) {
	_, err := ParseTEI([]byte(`this is not xml`))
	assert.Error(t, err)
}

func TestPickTitlePrefersMain(t *testing.T) {
	titles := []teiTitle{
		{Type: "", Value: "Alternative Title"},
		{Type: "main", Value: "The Main Title"},
	}
	assert.Equal(t, "The Main Title", pickTitle(titles))

	assert.Equal(t, "Alternative Title", pickTitle(titles[:1]))
	assert.Empty(t, pickTitle(nil))
}
