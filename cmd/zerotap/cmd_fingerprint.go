package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/jhahn/go-zerotap/pkg/signature"
)

func init() {
	const (
		short = "Print the app signature fingerprints of a certificate file"
		long  = `
The fingerprint command prints, for every certificate in a PEM bundle or DER
file, the 11-character fingerprint bound to the package identifier and the
legacy certificate hash.

The file defaults to certificate_path and the package to package_name.
`
	)
	if _, err := parser.AddCommand("fingerprint", short, long, &cmdFingerprint{}); err != nil {
		panic(err)
	}
}

type cmdFingerprint struct {
	Package string `short:"p" long:"package" description:"Package identifier of the application"`
}

func (c *cmdFingerprint) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(args) > 1 {
		return errors.New("too many arguments")
	}

	path := cfg.CertificatePath
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return errors.New("no certificate file given")
	}
	pkg := c.Package
	if pkg == "" {
		pkg = cfg.PackageName
	}
	if pkg == "" {
		return errors.New("no package identifier given")
	}

	certs, err := signature.LoadCertificateFile(path)
	if err != nil {
		return err
	}
	prints, err := signature.Fingerprints(pkg, certs)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(Stdout, 5, 3, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "Package\tCertificate\tFingerprint\tLegacy hash\n")
	for i, cert := range certs {
		legacy, err := signature.LegacyHash(cert)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", pkg, i, prints[i], legacy)
	}
	return nil
}
