package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/pybridge/interp"
	"github.com/caffeineduck/pybridge/security"
)

func newDepsCmd() *cobra.Command {
	deps := &cobra.Command{
		Use:   "deps",
		Short: "Manage Python packages for the estimators",
		Long: `Install and manage the Python packages the estimators need.

Packages are installed with pip --target into a private directory; pass the
same directory to other commands with --packages. Only allowlisted packages
can be installed: ` + fmt.Sprint(security.DefaultPackages),
	}
	deps.PersistentFlags().String("dir", interp.DefaultPkgConfig().PackageDir, "Package directory")

	install := &cobra.Command{
		Use:   "install [packages...]",
		Short: "Install packages with pip",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDepsInstall,
	}
	install.Flags().String("pip", "pip", "pip executable")

	list := &cobra.Command{
		Use:   "list",
		Short: "List installed packages",
		Args:  cobra.NoArgs,
		RunE:  runDepsList,
	}

	remove := &cobra.Command{
		Use:   "remove [packages...]",
		Short: "Remove packages",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDepsRemove,
	}

	deps.AddCommand(install, list, remove)
	return deps
}

func runDepsInstall(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	pip, _ := cmd.Flags().GetString("pip")

	fmt.Fprintf(cmd.OutOrStdout(), "Installing %v into %s...\n", args, dir)
	output, err := interp.InstallPackages(cmd.Context(), interp.PkgConfig{PackageDir: dir, Pip: pip}, args...)
	if err != nil {
		if output != "" {
			fmt.Fprint(cmd.ErrOrStderr(), output)
		}
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Done.")
	return nil
}

func runDepsList(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")

	pkgs, err := interp.ListPackages(dir)
	if err != nil {
		return err
	}
	if len(pkgs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No packages installed.")
		return nil
	}

	fields := make([]field, len(pkgs))
	for i, p := range pkgs {
		fields[i] = field{p.Name, p.Version}
	}
	printFields(cmd.OutOrStdout(), "Packages in "+dir, fields)
	return nil
}

func runDepsRemove(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")

	for _, name := range args {
		if err := interp.RemovePackage(dir, name); err != nil {
			return fmt.Errorf("remove %s: %w", name, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", name)
	}
	return nil
}
