package pairing

import "testing"

func TestGenerateProducesThreeWords(t *testing.T) {
	code, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(code.Words) != 3 {
		t.Fatalf("len(Words) = %d, want 3", len(code.Words))
	}
	if len(code.Secret) != 32 {
		t.Fatalf("len(Secret) = %d, want 32", len(code.Secret))
	}
}

func TestJoinerDerivesSameSecretAsHost(t *testing.T) {
	code, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	joinerSecret, err := ParseAndDeriveAuth(code.String())
	if err != nil {
		t.Fatalf("ParseAndDeriveAuth: %v", err)
	}
	if string(joinerSecret) != string(code.Secret) {
		t.Fatalf("joiner-derived secret does not match host secret")
	}
}

func TestParseAndDeriveAuthIsCaseAndWhitespaceInsensitive(t *testing.T) {
	a, err := ParseAndDeriveAuth("Cedar-Opal-Ridge")
	if err != nil {
		t.Fatalf("ParseAndDeriveAuth: %v", err)
	}
	b, err := ParseAndDeriveAuth("  cedar-opal-ridge  ")
	if err != nil {
		t.Fatalf("ParseAndDeriveAuth: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("case/whitespace variation produced different secrets")
	}
}

func TestParseAndDeriveAuthRejectsEmptyCode(t *testing.T) {
	if _, err := ParseAndDeriveAuth("   "); err == nil {
		t.Fatalf("ParseAndDeriveAuth accepted an empty code")
	}
}

func TestDifferentCodesProduceDifferentSecrets(t *testing.T) {
	a, err := ParseAndDeriveAuth("cedar-opal-ridge")
	if err != nil {
		t.Fatalf("ParseAndDeriveAuth: %v", err)
	}
	b, err := ParseAndDeriveAuth("basil-ember-harbor")
	if err != nil {
		t.Fatalf("ParseAndDeriveAuth: %v", err)
	}
	if string(a) == string(b) {
		t.Fatalf("different codes produced the same secret")
	}
}
