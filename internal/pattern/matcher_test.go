package pattern

import (
	"regexp"
	"testing"
)

func TestMatchesDispatch(t *testing.T) {
	m := New(nil)

	cases := []struct {
		name    string
		value   string
		pattern string
		want    bool
	}{
		{"regex digits", "build-123", `/\d+/`, true},
		{"regex anchored", "main.go", `/^main\./`, true},
		{"regex no match", "readme", `/\d+/`, false},
		{"extension match", "src/app/main.ts", ".ts", true},
		{"extension partial", "main.tsx", ".ts", false},
		{"extension exact file", "notes.md", ".md", true},
		{"glob star", "main.go", "*.go", true},
		{"glob star stops at separator", "src/main.go", "*.go", false},
		{"glob doublestar", "src/app/deep/main.ts", "**/*.ts", true},
		{"glob doublestar miss", "src/app/main.rs", "**/*.ts", false},
		{"glob question mark", "a1.txt", "a?.txt", true},
		{"glob char class", "file2.log", "file[0-9].log", true},
		{"glob char class miss", "filex.log", "file[0-9].log", false},
		{"bare slash is a glob", "/", "/", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := m.Matches(tc.value, tc.pattern); got != tc.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tc.value, tc.pattern, got, tc.want)
			}
		})
	}
}

// Delimited regex patterns behave exactly like the underlying regexp.
func TestRegexEquivalence(t *testing.T) {
	m := New(nil)
	exprs := []string{`^src/.*\.go$`, `test_\w+`, `(foo|bar)`}
	values := []string{"src/a.go", "src/a.ts", "test_case", "bazfoo", ""}
	for _, expr := range exprs {
		re := regexp.MustCompile(expr)
		for _, v := range values {
			got := m.Matches(v, "/"+expr+"/")
			if want := re.MatchString(v); got != want {
				t.Errorf("Matches(%q, /%s/) = %v, regexp says %v", v, expr, got, want)
			}
		}
	}
}

func TestInvalidPatternsMatchNothing(t *testing.T) {
	m := New(nil)
	if m.Matches("anything", "/[unclosed/") {
		t.Error("invalid regex matched")
	}
	if m.Matches("anything", "[unclosed") {
		t.Error("invalid glob matched")
	}
	// Second lookup hits the cached never-match entry.
	if m.Matches("other", "/[unclosed/") {
		t.Error("cached invalid regex matched")
	}
}

func TestMatchesAnyAndAll(t *testing.T) {
	m := New(nil)
	patterns := []string{".ts", ".tsx"}

	if !m.MatchesAny("src/app.tsx", patterns) {
		t.Error("MatchesAny missed .tsx")
	}
	if m.MatchesAny("src/app.go", patterns) {
		t.Error("MatchesAny matched .go")
	}
	if m.MatchesAny("src/app.ts", nil) {
		t.Error("MatchesAny with no patterns matched")
	}

	if !m.MatchesAll("src/app.ts", []string{"**/*.ts", "/app/"}) {
		t.Error("MatchesAll rejected a value matching both")
	}
	if m.MatchesAll("src/app.ts", []string{"**/*.ts", "/widget/"}) {
		t.Error("MatchesAll accepted a value failing one pattern")
	}
	if !m.MatchesAll("whatever", nil) {
		t.Error("MatchesAll with no patterns rejected")
	}
}

func TestCompiledPatternsAreCached(t *testing.T) {
	m := New(nil)
	if m.cache == nil {
		t.Fatal("cache not initialized")
	}
	m.Matches("main.go", "*.go")
	if _, ok := m.cache.Get("*.go"); !ok {
		t.Error("compiled glob not cached")
	}
	m.Matches("main.go", `/\.go$/`)
	if _, ok := m.cache.Get(`/\.go$/`); !ok {
		t.Error("compiled regex not cached")
	}
}
