package main

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
