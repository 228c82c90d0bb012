package main

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/jedib0t/go-pretty/v6/table"

	"phasegate/internal/domain"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	old := os.Stdout
	os.Stdout = w
	fn()
	w.Close()
	os.Stdout = old
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(b)
}

func TestPrintUserRendersTable(t *testing.T) {
	out := captureStdout(t, func() {
		printUser(domain.User{ID: "u1", Email: "a@x.test", Role: domain.RoleGuest}, table.Row{"Created", true})
	})
	for _, want := range []string{"+-", "| Email", "a@x.test", "| Role", "guest", "| Created", "true"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "{") {
		t.Fatalf("expected a table, got JSON:\n%s", out)
	}
}
