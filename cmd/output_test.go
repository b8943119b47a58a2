package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outputFixture struct {
	Source string `json:"source" yaml:"source"`
	Count  int    `json:"count" yaml:"count"`
}

func TestWriteOutput(t *testing.T) {
	v := outputFixture{Source: "crm", Count: 2}

	var buf bytes.Buffer
	require.NoError(t, writeOutput(&buf, "json", v))
	assert.JSONEq(t, `{"source":"crm","count":2}`, buf.String())

	buf.Reset()
	require.NoError(t, writeOutput(&buf, "", v))
	assert.Contains(t, buf.String(), `"source": "crm"`)

	buf.Reset()
	require.NoError(t, writeOutput(&buf, "yaml", v))
	assert.Equal(t, "source: crm\ncount: 2\n", buf.String())

	assert.ErrorContains(t, writeOutput(&buf, "xml", v), "unsupported format")
}
