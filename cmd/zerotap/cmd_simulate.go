package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jhahn/go-zerotap/pkg/api"
	"github.com/jhahn/go-zerotap/pkg/events"
	"github.com/jhahn/go-zerotap/pkg/provider"
	"github.com/jhahn/go-zerotap/pkg/session"
	"github.com/jhahn/go-zerotap/pkg/signature"
	"github.com/jhahn/go-zerotap/pkg/zerotaptest"
)

const defaultPackageName = "com.example.zerotap"

// spoofSender is the sender of the --spoof broadcast.
const spoofSender = "com.example.spoofer"

func init() {
	const (
		short = "Run a code request against simulated providers"
		long  = `
The simulate command installs simulated providers on an in-memory device,
requests a code and prints every event until the session resolves.

With --spoof an unknown application also broadcasts a code claiming to be
a provider; it is reported and ignored.
`
	)
	if _, err := parser.AddCommand("simulate", short, long, &cmdSimulate{}); err != nil {
		panic(err)
	}
}

type cmdSimulate struct {
	Providers []string      `long:"provider" description:"Provider to install (repeatable, default: all known)"`
	Autofill  bool          `long:"autofill" description:"Providers also send an autofill trigger"`
	Spoof     bool          `long:"spoof" description:"Broadcast a code from an unknown sender"`
	Wait      time.Duration `long:"wait" default:"10s" description:"How long to wait for the code"`
}

func (c *cmdSimulate) Execute([]string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	policy, err := cfg.CodePolicy()
	if err != nil {
		return err
	}

	ids := provider.Known()
	if len(c.Providers) > 0 {
		ids = nil
		for _, name := range c.Providers {
			if !provider.IsKnown(name) {
				return fmt.Errorf("%q is not a known provider", name)
			}
			ids = append(ids, provider.Identity(name))
		}
	}

	pkg := cfg.PackageName
	if pkg == "" {
		pkg = defaultPackageName
	}
	var certs signature.CertificateSource
	if cfg.CertificatePath != "" {
		certs = signature.File(cfg.CertificatePath)
	} else {
		der, err := zerotaptest.NewCertificate(pkg)
		if err != nil {
			return err
		}
		certs = signature.Static{der}
	}

	ctx := context.Background()
	sink, shutdown, err := newEventSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(ctx); err != nil {
			slog.Warn("cannot flush event exporter", "err", err)
		}
	}()

	device := zerotaptest.NewDevice()
	for _, id := range ids {
		p := zerotaptest.NewProvider(id, policy)
		p.Latency = cfg.ProviderLatency
		p.Autofill = c.Autofill
		device.Attach(p)
	}

	svc, err := api.NewService(api.Config{
		PackageName:  pkg,
		Prober:       device,
		Broadcaster:  device,
		Certificates: certs,
		Validator:    policy,
		Timeout:      cfg.SessionTimeout,
		Sink:         sink,
		Logger:       slog.Default(),
	})
	if err != nil {
		return err
	}
	defer svc.Close()
	device.Connect(svc.Deliver)

	fp, err := svc.SignatureFingerprint(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(Stdout, "package %s, fingerprint %s\n", fp.PackageIdentifier, fp.Fingerprint)

	evs := make(chan events.Event, 16)
	forward := func(ev events.Event) {
		select {
		case evs <- ev:
		default:
		}
	}
	res := svc.RequestCode(ctx, forward, forward, api.WithAutofill(forward))
	if !res.Success {
		return fmt.Errorf("cannot request code: %s", res.Message)
	}
	fmt.Fprintln(Stdout, res.Message)

	if c.Spoof {
		device.Broadcast(session.Intent{
			Action:  session.ActionOTPRetrieved,
			Creator: spoofSender,
			Extras: map[string]any{
				session.ExtraCode:        "000000",
				session.ExtraPackageName: string(provider.WhatsApp),
			},
		}, 0)
	}

	deadline := time.After(c.Wait)
	for {
		select {
		case ev := <-evs:
			switch ev.Type {
			case events.TypeOtpReceived:
				fmt.Fprintf(Stdout, "received code %s from %s\n", ev.Code, ev.Source)
				device.Wait()
				return nil
			case events.TypeAutofillTriggered:
				fmt.Fprintf(Stdout, "autofill code %s from %s\n", ev.Code, ev.Source)
			case events.TypeOtpError:
				fmt.Fprintf(Stdout, "error %s: %s\n", ev.ErrorCode, ev.ErrorMessage)
				if svc.Session().State == session.StateResolved {
					return fmt.Errorf("session failed: %s", ev.ErrorMessage)
				}
			}
		case <-deadline:
			svc.StopListening()
			return fmt.Errorf("no code within %s", c.Wait)
		}
	}
}
