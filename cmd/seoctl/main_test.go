package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"topic=Sourdough at home", "primaryKeyword=sourdough", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"topic":          "Sourdough at home",
		"primaryKeyword": "sourdough",
		"empty":          "",
	}, vars)

	_, err = parseVars([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseVars([]string{"=x"})
	assert.Error(t, err)
}

func TestRun_CompleteAndQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/completions":
			fmt.Fprint(w, `{"id":"1","model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"Ten sourdough tips"},"finish_reason":"stop"}],"usage":{"total_tokens":9}}`)
		case "/v1/quota":
			fmt.Fprint(w, `{"user_id":"anon:127.0.0.1","tier":"free","used_tokens":9,"limit_tokens":50000,"remaining_tokens":49991,"period":"2026-10"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	t.Setenv("SEO_PROXY_URL", srv.URL)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), "complete", []string{"-model", "gpt-4o-mini", "write", "a", "title"}, &out))
	assert.Equal(t, "Ten sourdough tips\n", out.String())

	out.Reset()
	require.NoError(t, run(context.Background(), "quota", nil, &out))
	assert.Contains(t, out.String(), `"remaining_tokens": 49991`)
}

func TestRun_Errors(t *testing.T) {
	t.Setenv("SEO_PROXY_URL", "http://127.0.0.1:1")

	var out bytes.Buffer
	assert.Error(t, run(context.Background(), "bogus", nil, &out))
	assert.Error(t, run(context.Background(), "template", nil, &out))
	assert.Error(t, run(context.Background(), "quota", []string{"-tier", "gold"}, &out))
}
