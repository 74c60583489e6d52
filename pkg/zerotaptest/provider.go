package zerotaptest

import (
	"sync"
	"time"

	"github.com/jhahn/go-zerotap/pkg/handshake"
	"github.com/jhahn/go-zerotap/pkg/provider"
	"github.com/jhahn/go-zerotap/pkg/session"
)

// CodeSource produces the codes a simulated provider delivers.
// *otp.Policy implements it.
type CodeSource interface {
	Generate(counter ...uint64) (string, error)
}

// FixedCode is a CodeSource that always returns the same code.
type FixedCode string

// Generate returns c.
func (c FixedCode) Generate(...uint64) (string, error) {
	return string(c), nil
}

// Provider simulates a provider application. On each handshake it replies
// with the echoed token, sends an autofill trigger if Autofill is set, then
// broadcasts the code.
type Provider struct {
	Identity provider.Identity
	Codes    CodeSource
	// Latency delays each answer.
	Latency time.Duration
	// SkipReply suppresses the direct reply.
	SkipReply bool
	// Autofill sends an autofill trigger ahead of the code.
	Autofill bool

	mu        sync.Mutex
	delivered []string
}

// NewProvider creates a provider answering with codes from src.
func NewProvider(id provider.Identity, src CodeSource) *Provider {
	return &Provider{Identity: id, Codes: src}
}

// Delivered returns the codes broadcast so far.
func (p *Provider) Delivered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.delivered...)
}

func (p *Provider) answer(d *Device, req handshake.Request) {
	if p.Latency > 0 {
		time.Sleep(p.Latency)
	}
	creator := string(p.Identity)

	if !p.SkipReply {
		d.deliver(session.Intent{
			Action:  session.ActionRequestAck,
			Creator: creator,
			Extras:  map[string]any{handshake.ExtraCallbackToken: req.Token},
		})
	}

	code := ""
	if p.Codes != nil {
		c, err := p.Codes.Generate()
		if err != nil {
			return
		}
		code = c
	}
	p.mu.Lock()
	p.delivered = append(p.delivered, code)
	p.mu.Unlock()

	if p.Autofill {
		d.deliver(session.Intent{
			Action:  session.ActionAutofillCode,
			Creator: creator,
			Extras:  map[string]any{session.ExtraCode: code},
		})
	}

	d.deliver(session.Intent{
		Action:  session.ActionOTPRetrieved,
		Creator: creator,
		Extras:  map[string]any{session.ExtraCode: code},
	})
}
