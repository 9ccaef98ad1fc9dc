package ai

import "testing"

func TestPromptHash(t *testing.T) {
	turns := []Turn{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "question"},
	}

	a := PromptHash("model-a", turns)
	if a != PromptHash("model-a", turns) {
		t.Fatal("same input must hash identically")
	}
	if a == PromptHash("model-b", turns) {
		t.Fatal("model must feed the hash")
	}

	changed := []Turn{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "question!"},
	}
	if a == PromptHash("model-a", changed) {
		t.Fatal("content must feed the hash")
	}

	swapped := []Turn{
		{Role: RoleUser, Content: "sys"},
		{Role: RoleSystem, Content: "question"},
	}
	if a == PromptHash("model-a", swapped) {
		t.Fatal("roles must feed the hash")
	}
}

func TestResponseCache(t *testing.T) {
	c := NewResponseCache()

	if _, ok := c.Get("k"); ok {
		t.Fatal("empty cache returned a hit")
	}

	res := &GenerateResult{Text: "answer"}
	c.Put("k", res)
	hit, ok := c.Get("k")
	if !ok || hit.Text != "answer" {
		t.Fatalf("expected cached result, got %v %v", hit, ok)
	}

	c.Clear()
	if _, ok := c.Get("k"); ok {
		t.Fatal("cache not cleared")
	}
}
