package textutil

import (
	"reflect"
	"testing"
)

func TestParseKeyValues(t *testing.T) {
	t.Run("csv pairs with lowered keys", func(t *testing.T) {
		got := ParseKeyValues(" Prod = https://api.qrshop.example , staging=https://stg ,broken, =x", ",", true)
		want := map[string]string{
			"prod":    "https://api.qrshop.example",
			"staging": "https://stg",
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("expected %#v got %#v", want, got)
		}
	})

	t.Run("dotenv lines keep case and allow empty values", func(t *testing.T) {
		raw := "# fallback secrets\nsecret://ledger-key = abc=def\n\nsecret://empty=\nsecret://ledger-key=override\n"
		got := ParseKeyValues(raw, "\n", false)
		want := map[string]string{
			"secret://ledger-key": "override",
			"secret://empty":      "",
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("expected %#v got %#v", want, got)
		}
	})
}

func TestDropEmptyValues(t *testing.T) {
	got := DropEmptyValues(map[string]string{"a": "1", "b": " ", "c": ""})
	if !reflect.DeepEqual(got, map[string]string{"a": "1"}) {
		t.Fatalf("unexpected %#v", got)
	}
}
