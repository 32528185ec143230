package transport

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// kissBannerWait bounds how long Open waits for the KISS-488 banner.
const kissBannerWait = 500 * time.Millisecond

// KISS488 drives a GPIB instrument through a KISS-488 Ethernet bridge on
// TCP port 23. The bridge greets each connection with a banner and needs a
// carriage return after a query before it reads back from the bus.
type KISS488 struct {
	Session
	settings Settings
}

// NewKISS488 wraps a raw socket session.
func NewKISS488(inner Session, s Settings) *KISS488 {
	return &KISS488{Session: inner, settings: s.withDefaults()}
}

// Open connects and drains the greeting banner.
func (k *KISS488) Open(ctx context.Context) error {
	if err := k.Session.Open(ctx); err != nil {
		return err
	}
	var banner []string
	for {
		rctx, cancel := context.WithTimeout(ctx, kissBannerWait)
		line, err := k.Session.Read(rctx)
		cancel()
		if err != nil {
			break
		}
		banner = append(banner, strings.TrimSpace(line))
	}
	if err := ctx.Err(); err != nil {
		_ = k.Session.Close()
		return fmt.Errorf("%w: open %s: %w", ErrTransport, k.Resource(), err)
	}
	text := strings.Join(banner, " ")
	if strings.Contains(text, "KISS-488") {
		k.settings.Logger.Info("KISS-488 bridge connected", "resource", k.Resource(), "banner", text)
	} else if text != "" {
		k.settings.Logger.Warn("unexpected bridge banner", "resource", k.Resource(), "banner", text)
	}
	return nil
}

// Query appends the carriage return that makes the bridge address the
// instrument to talk.
func (k *KISS488) Query(ctx context.Context, cmd string) (string, error) {
	return k.Session.Query(ctx, cmd+"\r")
}

// Prologix drives a GPIB instrument through a Prologix GPIB-ETHERNET
// controller on TCP port 1234, in controller mode with read-after-write
// disabled.
type Prologix struct {
	Session
	settings Settings
	version  string
}

// NewPrologix wraps a raw socket session.
func NewPrologix(inner Session, s Settings) *Prologix {
	return &Prologix{Session: inner, settings: s.withDefaults()}
}

// Open connects and configures the controller for the instrument's address.
func (p *Prologix) Open(ctx context.Context) error {
	if err := p.Session.Open(ctx); err != nil {
		return err
	}
	setup := []string{
		"++mode 1",
		"++auto 0",
		fmt.Sprintf("++addr %d", p.settings.GPIBAddress),
		"++eos 2",
		"++eoi 1",
		fmt.Sprintf("++read_tmo_ms %d", p.settings.BridgeReadTimeout.Milliseconds()),
		"++eot_enable 0",
	}
	for _, cmd := range setup {
		if err := p.Session.Write(ctx, cmd); err != nil {
			_ = p.Session.Close()
			return err
		}
	}
	ver, err := p.Session.Query(ctx, "++ver")
	if err != nil {
		_ = p.Session.Close()
		return err
	}
	p.version = strings.TrimSpace(ver)
	p.settings.Logger.Info("Prologix controller configured",
		"resource", p.Resource(), "gpib", p.settings.GPIBAddress, "version", p.version)
	return nil
}

// Query writes cmd and asks the controller to read until EOI.
func (p *Prologix) Query(ctx context.Context, cmd string) (string, error) {
	return p.Session.Query(ctx, cmd+"\n++read eoi")
}

// Version returns the controller's ++ver string after Open.
func (p *Prologix) Version() string { return p.version }

// Local sends GPIB go-to-local to the addressed instrument.
func (p *Prologix) Local(ctx context.Context) error {
	return p.Session.Write(ctx, "++loc")
}

// Lockout sends GPIB local lockout.
func (p *Prologix) Lockout(ctx context.Context) error {
	return p.Session.Write(ctx, "++llo")
}

var _ FrontPanel = (*Prologix)(nil)
