package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joshuadavidthomas/django-bird-playground/pypi"
	"github.com/spf13/cobra"
)

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Manage Python packages for the runtime",
	Long: `Install and inspect Python packages used by rendered templates.

Packages are downloaded directly from PyPI (no pip required).
Only pure Python wheels work inside the runtime; packages with C
extensions are rejected during install.

Installing here warms the local package directory so 'bird render'
does not have to download wheels on first use.`,
}

var depsInstallCmd = &cobra.Command{
	Use:   "install [packages...]",
	Short: "Install packages from PyPI",
	Args:  cobra.MinimumNArgs(1),
	Run:   runDepsInstall,
}

var depsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed packages",
	Run:   runDepsList,
}

var depsInfoCmd = &cobra.Command{
	Use:   "info [package]",
	Short: "Show package metadata from the index",
	Args:  cobra.ExactArgs(1),
	Run:   runDepsInfo,
}

var depsPkgDir string

func init() {
	depsCmd.PersistentFlags().StringVar(&depsPkgDir, "dir", defaultPackageDir, "Package directory")
	depsCmd.PersistentFlags().String("index-url", "", "Package index base URL (default: https://pypi.org)")

	depsCmd.AddCommand(depsInstallCmd, depsListCmd, depsInfoCmd)
	rootCmd.AddCommand(depsCmd)
}

func depsInstaller(cmd *cobra.Command) *pypi.Installer {
	indexURL, _ := cmd.Flags().GetString("index-url")
	var opts []pypi.Option
	if indexURL != "" {
		opts = append(opts, pypi.WithIndexURL(indexURL))
	}
	in, err := pypi.NewInstaller(depsPkgDir, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return in
}

func runDepsInstall(cmd *cobra.Command, args []string) {
	in := depsInstaller(cmd)

	for _, spec := range args {
		fmt.Printf("Installing %s...\n", spec)
		pkg, err := in.Install(context.Background(), spec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error installing %s: %v\n", spec, err)
			os.Exit(1)
		}
		fmt.Printf("  %s %s\n", pkg.Name, pkg.Version)
	}
	fmt.Println("Done.")
}

func runDepsList(cmd *cobra.Command, args []string) {
	in := depsInstaller(cmd)

	names := in.Installed()
	if len(names) == 0 {
		fmt.Println("No packages installed.")
		return
	}

	fmt.Printf("Packages in %s:\n", depsPkgDir)
	for _, name := range names {
		fmt.Printf("  %s\n", name)
	}
}

func runDepsInfo(cmd *cobra.Command, args []string) {
	in := depsInstaller(cmd)

	md, err := in.Info(context.Background(), args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Name:     %s\n", md.Name)
	fmt.Printf("Version:  %s\n", md.Version)
	if md.Summary != "" {
		fmt.Printf("Summary:  %s\n", md.Summary)
	}
	if md.Wheel != "" {
		fmt.Printf("Wheel:    %s (%d bytes)\n", md.Wheel, md.Size)
	}
	if len(md.Requires) > 0 {
		fmt.Printf("Requires: %s\n", strings.Join(md.Requires, ", "))
	}
	if in.IsInstalled(md.Name) {
		fmt.Println("Status:   installed")
	}
}
