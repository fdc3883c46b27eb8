package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/pybridge/classifiers"
)

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the supported model families",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			renderModels(cmd.OutOrStdout(), classifiers.DefaultCatalog().List())
		},
	}
}

func renderModels(w io.Writer, families []classifiers.Family) {
	color := styled(w)
	if color {
		fmt.Fprintln(w, titleStyle.Render("Models"))
	}

	width := 0
	for _, f := range families {
		width = max(width, len(f.Name))
	}
	for _, f := range families {
		name := f.Name + strings.Repeat(" ", width-len(f.Name))
		class := f.Qualified()
		detail := fmt.Sprintf("%s, structure: %s", f.Description, f.Introspection)
		if color {
			name, class, detail = keyStyle.Render(name), valueStyle.Render(class), dimStyle.Render(detail)
		}
		fmt.Fprintf(w, "%s  %s\n%s  %s\n", name, class, strings.Repeat(" ", width), detail)
		if len(f.Hyperparameters) > 0 {
			params := "hyperparameters: " + strings.Join(f.Hyperparameters, ", ")
			if color {
				params = dimStyle.Render(params)
			}
			fmt.Fprintf(w, "%s  %s\n", strings.Repeat(" ", width), params)
		}
	}
}
