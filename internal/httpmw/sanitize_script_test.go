package httpmw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestScriptCleaner_Clean(t *testing.T) {
	c := NewScriptCleaner()
	cases := []string{
		`<script>alert("x")</script>`,
		`<img src=x onerror=alert(1)>`,
		`Hello <b>world</b>`,
		`<a href="javascript:alert(1)">click</a>`,
		`<<script>script>alert(1)<</script>/script>`,
		`plain & simple`,
	}
	for _, in := range cases {
		out := c.Clean(in)
		if strings.Contains(out, "<") {
			t.Errorf("Clean(%q) = %q still has markup", in, out)
		}
		if again := c.Clean(out); again != out {
			t.Errorf("Clean not idempotent for %q: %q then %q", in, out, again)
		}
	}
}

func TestScriptCleaner_PlainTextUntouched(t *testing.T) {
	c := NewScriptCleaner()
	for _, in := range []string{"The Forest Hiker", "a > b", "5 & 6", "it's \"quoted\""} {
		if got := c.Clean(in); got != in {
			t.Errorf("Clean(%q) = %q, want unchanged", in, got)
		}
	}
}

func TestScriptCleaner_KeepsText(t *testing.T) {
	if got := NewScriptCleaner().Clean("<b>bold</b> move"); got != "bold move" {
		t.Fatalf("got %q", got)
	}
}

func TestScriptSanitizer_BodyAndQuery(t *testing.T) {
	r := jsonRequest(`{"name":"<script>alert(1)</script>Tour","list":["<i>x</i>",3],"deep":{"d":"<b>y</b>"}}`)
	r.URL.RawQuery = "q=" + "%3Cscript%3Ealert(1)%3C%2Fscript%3Ehi"

	_, q := runStages(r, JSONBody(DefaultBodyLimit), ScriptSanitizer())
	if q == nil {
		t.Fatal("script sanitizer must never short-circuit")
	}
	m := q.Body.(map[string]any)
	if strings.Contains(m["name"].(string), "<") {
		t.Fatalf("name = %q", m["name"])
	}
	if got := m["list"].([]any)[0]; got != "x" {
		t.Fatalf("list[0] = %v", got)
	}
	if got := m["deep"].(map[string]any)["d"]; got != "y" {
		t.Fatalf("deep.d = %v", got)
	}
	if strings.Contains(q.Query.Get("q"), "<") {
		t.Fatalf("query q = %q", q.Query.Get("q"))
	}
}

func TestScriptSanitizer_NilBody(t *testing.T) {
	_, q := runStages(httptest.NewRequest(http.MethodGet, "/", http.NoBody), ScriptSanitizer())
	if q == nil || q.Body != nil {
		t.Fatal("nil body should pass unchanged")
	}
}
