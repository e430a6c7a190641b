package main

import (
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ibrasoft/driveclonr/internal/google"
)

func newFormatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "List export formats for Google Docs, Sheets and Slides",
		Long: `List the formats each Google-native document type can be exported to.
The first format is the default. Pick another in the [formats] table of the
config file, keyed by native MIME type or by one of the aliases docs, sheets,
slides, drawings or jamboard:

  [formats]
  docs = "pdf"

Spreadsheets exported as csv or tsv and presentations exported as png
become a folder named after the document, with one file per sheet or
slide.`,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runFormats,
	}
}

type formatsEntry struct {
	Native  string          `json:"native"`
	Formats []google.Format `json:"formats"`
}

func runFormats(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	entries := make([]formatsEntry, 0, len(google.NativeTypes()))
	for _, native := range google.NativeTypes() {
		entries = append(entries, formatsEntry{Native: native, Formats: google.Choices(native)})
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), entries)
	}

	printFormats(cmd.OutOrStdout(), entries)

	return nil
}

func printFormats(w io.Writer, entries []formatsEntry) {
	rows := make([][]string, 0)

	for _, e := range entries {
		for i, f := range e.Formats {
			native := ""
			if i == 0 {
				native = strings.TrimPrefix(e.Native, "application/vnd.google-apps.")
			}

			rows = append(rows, []string{native, f.Name, f.Ext, f.MimeType})
		}
	}

	printTable(w, []string{"TYPE", "FORMAT", "EXT", "MIME TYPE"}, rows)
}
