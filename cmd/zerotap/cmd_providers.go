package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/jhahn/go-zerotap/pkg/provider"
)

func init() {
	const (
		short = "List the provider identities trusted to deliver codes"
		long  = `
Without arguments the providers command lists the known provider identities.
Given package names, it reports whether each one is a known provider.
`
	)
	if _, err := parser.AddCommand("providers", short, long, &cmdProviders{}); err != nil {
		panic(err)
	}
}

type cmdProviders struct{}

func (c *cmdProviders) Execute(args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	if len(args) == 0 {
		args = provider.Strings(provider.Known())
	}

	w := tabwriter.NewWriter(Stdout, 5, 3, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "Package\tProvider\n")
	for _, name := range args {
		status := "unknown"
		if provider.IsKnown(name) {
			status = "known"
		}
		fmt.Fprintf(w, "%s\t%s\n", name, status)
	}
	return nil
}
