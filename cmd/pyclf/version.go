package main

import (
	"runtime/debug"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print pyclf and estimator package versions",
		Long: `Print the pyclf build version and the version of the Python package
that provides the selected model.`,
		Args: cobra.NoArgs,
		RunE: runVersion,
	}
	cmd.Flags().StringP("model", "m", "stree", "Model family (see 'pyclf models')")
	return cmd
}

func runVersion(cmd *cobra.Command, args []string) error {
	family, _, err := modelFromFlags(cmd)
	if err != nil {
		return err
	}

	reg, log, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer reg.Close()

	clf, err := newClassifier(reg, log, family, nil)
	if err != nil {
		return err
	}
	defer clf.Close()

	version, err := clf.Version()
	if err != nil {
		return err
	}

	printFields(cmd.OutOrStdout(), "", []field{
		{"pyclf", buildVersion()},
		{family.Name, version},
	})
	return nil
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "(devel)"
}
