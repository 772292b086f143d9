package main

import (
	"fmt"
	"log"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/leapstack-labs/esmflow/internal/preproc"
)

func stepNotes(step string) string {
	var notes []string
	switch {
	case slices.Contains(preproc.InitialSteps, step):
		notes = append(notes, "always first")
	case slices.Contains(preproc.FinalSteps, step):
		notes = append(notes, "always last")
	}
	if slices.Contains(preproc.MultiDatasetSteps, step) {
		notes = append(notes, "multi-dataset")
	}
	if slices.Contains(preproc.TimeSteps, step) {
		notes = append(notes, "needs time")
	}
	return strings.Join(notes, ", ")
}

func generatePreprocessorDocs(outDir string) error {
	log.Printf("Generating preprocessor docs to %s", outDir)

	if err := os.MkdirAll(outDir, 0750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	w := NewMarkdownWriter()
	w.Frontmatter("Preprocessors", "Preprocessing steps and their default order")
	w.GeneratedMarker()

	w.Header(1, "Preprocessors")
	w.Paragraph(fmt.Sprintf("A preprocessor profile lists steps with their settings. Steps run in the order below unless the profile sets %s, in which case the listed order is kept between the fixed first and last steps.", InlineCode("custom_order: true")))

	w.BulletList([]string{
		Bold("multi-dataset") + ": runs once over all datasets of a variable group",
		Bold("needs time") + ": cannot be applied to fixed-field variables",
	})

	rows := make([][]string, 0, len(preproc.DefaultOrder))
	for i, step := range preproc.DefaultOrder {
		rows = append(rows, []string{strconv.Itoa(i + 1), InlineCode(step), stepNotes(step)})
	}
	w.Header(2, "Default Order")
	w.Table([]string{"#", "Step", "Notes"}, rows)

	return writePage(outDir, "preprocessors.md", w)
}
