package keyboard

import (
	"testing"

	"github.com/m3rciful/botrunner/core/platform"
)

func TestInlineButtonsRows(t *testing.T) {
	markup := InlineButtonsRows(
		[]platform.Button{{Text: "Yes", Data: "yes"}, {Text: "Docs", URL: "https://example.org"}},
		[]platform.Button{{Text: ""}},
		[]platform.Button{{Text: "No"}},
	)
	if markup == nil || len(markup.InlineKeyboard) != 2 {
		t.Fatalf("unexpected markup: %+v", markup)
	}
	first := markup.InlineKeyboard[0]
	if first[0].Data != "yes" || first[1].URL != "https://example.org" || first[1].Data != "" {
		t.Fatalf("first row = %+v", first)
	}
	if markup.InlineKeyboard[1][0].Data != "No" {
		t.Fatalf("data fallback = %q", markup.InlineKeyboard[1][0].Data)
	}
}

func TestInlineButtonsRowsEmpty(t *testing.T) {
	if InlineButtonsRows() != nil {
		t.Fatal("expected nil markup")
	}
}
