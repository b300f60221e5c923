package normalize

import "testing"

func TestParse_Canonicalization(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"gpt-4o-mini", "gpt-4o-mini"},
		{"GPT-4o_Mini", "gpt-4o-mini"},
		{"openai/gpt-4o-mini", "gpt-4o-mini"},
		{"models/gpt-4o-mini", "gpt-4o-mini"},
		{"  gpt-4o-mini  ", "gpt-4o-mini"},
		{"gpt 4o mini", "gpt-4o-mini"},
		{"gpt:4o:mini", "gpt-4o-mini"},
		{"gpt-4o-mini-2024-07-18", "gpt-4o-mini"},
		{"o1-2024-12-17", "o1"},
		{"llama-3.1-8b", "llama-3.1-8b"},
		{"meta/llama-3.1-8b", "llama-3.1-8b"},
		{"m/claude-3-opus", "claude-3-opus"},
	}
	for _, c := range cases {
		got := Parse(c.raw).Canonical
		if got != c.want {
			t.Errorf("Parse(%q).Canonical = %q, want %q", c.raw, got, c.want)
		}
	}
}

func TestParse_TiersStayDistinct(t *testing.T) {
	a := Parse("gpt-4o").Canonical
	b := Parse("gpt-4o-mini").Canonical
	if a == b {
		t.Fatalf("gpt-4o and gpt-4o-mini must not collapse, both = %q", a)
	}
}

func TestParse_Idempotent(t *testing.T) {
	inputs := []string{"openai/GPT-4o", "models/llama-3.1-70b", "claude-3-5-sonnet-20241022"}
	for _, in := range inputs {
		once := Parse(in).Canonical
		twice := Parse(once).Canonical
		if once != twice {
			t.Errorf("normalizing %q twice changed the result: %q → %q", in, once, twice)
		}
	}
}

func TestBuild_VariantsAndLookup(t *testing.T) {
	tbl := Build([][]string{
		{"gpt-4o-mini", "openai/gpt-4o-mini"},
		{"GPT-4o-Mini-2024-07-18"},
	}, nil)

	if got := tbl.Canonical("openai/gpt-4o-mini"); got != "gpt-4o-mini" {
		t.Fatalf("Canonical = %q, want gpt-4o-mini", got)
	}
	vs := tbl.Variants("gpt-4o-mini")
	if len(vs) != 3 {
		t.Fatalf("expected 3 variants, got %d: %v", len(vs), vs)
	}
	if cs := tbl.Canonicals(); len(cs) != 1 || cs[0] != "gpt-4o-mini" {
		t.Fatalf("Canonicals = %v, want [gpt-4o-mini]", cs)
	}
}

func TestBuild_StaticAlias(t *testing.T) {
	tbl := Build([][]string{{"gpt-4o-mini"}}, map[string]string{
		"my-custom-name": "gpt-4o-mini",
	})
	if got := tbl.Canonical("my-custom-name"); got != "gpt-4o-mini" {
		t.Fatalf("alias lookup = %q, want gpt-4o-mini", got)
	}
}

func TestBuild_HashStability(t *testing.T) {
	a := Build([][]string{{"gpt-4o", "gpt-4o-mini"}}, nil)
	b := Build([][]string{{"gpt-4o-mini", "gpt-4o"}}, nil)
	if a.Hash() == "" {
		t.Fatal("hash must not be empty")
	}
	if a.Hash() != b.Hash() {
		t.Fatal("hash must be order-independent over the same model universe")
	}

	c := Build([][]string{{"gpt-4o"}}, nil)
	if a.Hash() == c.Hash() {
		t.Fatal("hash must change when the model universe changes")
	}
}

func TestTable_UnknownModelFallsThrough(t *testing.T) {
	tbl := Build(nil, nil)
	if got := tbl.Canonical("vendor/Unknown-Model"); got != "unknown-model" {
		t.Fatalf("Canonical = %q, want unknown-model", got)
	}
	if vs := tbl.Variants("unknown-model"); len(vs) != 1 || vs[0] != "unknown-model" {
		t.Fatalf("Variants = %v, want [unknown-model]", vs)
	}
}
