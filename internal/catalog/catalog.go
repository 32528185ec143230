package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/adapter/aimttiplp"
	"github.com/benchlab/dcps/internal/adapter/bk9115"
	"github.com/benchlab/dcps/internal/adapter/it6500c"
	"github.com/benchlab/dcps/internal/adapter/keithley2182"
	"github.com/benchlab/dcps/internal/adapter/keithley2400"
	"github.com/benchlab/dcps/internal/adapter/keithley622x"
	"github.com/benchlab/dcps/internal/adapter/keithley6500"
	"github.com/benchlab/dcps/internal/adapter/keysighte364xa"
	"github.com/benchlab/dcps/internal/adapter/koradka"
	"github.com/benchlab/dcps/internal/adapter/rigoldl3000"
	"github.com/benchlab/dcps/internal/adapter/rigoldp800"
	"github.com/benchlab/dcps/internal/trace"
	"github.com/benchlab/dcps/internal/transport"
)

// ErrUnknownModel is returned for names not in the catalog.
var ErrUnknownModel = errors.New("unknown model")

// Constructor wraps a session in a model adapter.
type Constructor func(sess transport.Session, opts ...adapter.Option) adapter.IInstrument

// Entry is one catalog model.
type Entry struct {
	Name        string
	Description string
	Model       adapter.Model
	New         Constructor
}

// GenericChannels and GenericLimits describe the "scpi" entry.
const GenericChannels = 3

var GenericLimits = adapter.ChannelLimits{MaxVoltage: 30, MaxCurrent: 3}

var entries = []Entry{
	{"scpi", "generic SCPI supply, INSTrument:NSELect selection", adapter.GenericModel(GenericChannels, GenericLimits),
		func(s transport.Session, o ...adapter.Option) adapter.IInstrument {
			return adapter.NewBase(adapter.GenericModel(GenericChannels, GenericLimits), s, o...)
		}},
	{"dp800", "Rigol DP800 series supply", rigoldp800.Model(),
		func(s transport.Session, o ...adapter.Option) adapter.IInstrument { return rigoldp800.New(s, o...) }},
	{"bk9115", "BK Precision 9115 supply", bk9115.Model(),
		func(s transport.Session, o ...adapter.Option) adapter.IInstrument { return bk9115.New(s, o...) }},
	{"e364xa", "Keysight E364xA supply (GPIB)", keysighte364xa.Model(),
		func(s transport.Session, o ...adapter.Option) adapter.IInstrument { return keysighte364xa.New(s, o...) }},
	{"k622x", "Keithley 622x current source (GPIB)", keithley622x.Model(),
		func(s transport.Session, o ...adapter.Option) adapter.IInstrument { return keithley622x.New(s, o...) }},
	{"k2182", "Keithley 2182 nanovoltmeter (GPIB)", keithley2182.Model(),
		func(s transport.Session, o ...adapter.Option) adapter.IInstrument { return keithley2182.New(s, o...) }},
	{"k2400", "Keithley 2400 SourceMeter (GPIB)", keithley2400.Model(),
		func(s transport.Session, o ...adapter.Option) adapter.IInstrument { return keithley2400.New(s, o...) }},
	{"dmm6500", "Keithley DMM6500 multimeter", keithley6500.Model(),
		func(s transport.Session, o ...adapter.Option) adapter.IInstrument { return keithley6500.New(s, o...) }},
	{"ttiplp", "Aim-TTi PL-P series supply", aimttiplp.Model(),
		func(s transport.Session, o ...adapter.Option) adapter.IInstrument { return aimttiplp.New(s, o...) }},
	{"korad", "Korad KA series single-channel supply", koradka.Model(),
		func(s transport.Session, o ...adapter.Option) adapter.IInstrument { return koradka.New(s, o...) }},
	{"korad3", "Korad KA3305 three-channel supply", koradka.ModelN(3),
		func(s transport.Session, o ...adapter.Option) adapter.IInstrument { return koradka.NewN(3, s, o...) }},
	{"dl3000", "Rigol DL3000 electronic load", rigoldl3000.Model(),
		func(s transport.Session, o ...adapter.Option) adapter.IInstrument { return rigoldl3000.New(s, o...) }},
	{"it6500c", "ITECH IT6500C two-quadrant supply", it6500c.Model(),
		func(s transport.Session, o ...adapter.Option) adapter.IInstrument { return it6500c.New(s, o...) }},
}

// Names returns the catalog names in order.
func Names() []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

// Entries returns a copy of the catalog.
func Entries() []Entry {
	return slices.Clone(entries)
}

// Lookup finds a model by catalog name, case-insensitively.
func Lookup(name string) (Entry, error) {
	for _, e := range entries {
		if strings.EqualFold(e.Name, name) {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w %q (known: %s)", ErrUnknownModel, name, strings.Join(Names(), ", "))
}

// DefaultResource returns the resource named by the model's environment
// variable, or the model's example address when the variable is unset.
func (e Entry) DefaultResource() string {
	if e.Model.EnvVar != "" {
		if v := strings.TrimSpace(os.Getenv(e.Model.EnvVar)); v != "" {
			return NormalizeResource(v)
		}
	}
	return e.Model.DefaultResource
}

// NormalizeResource turns shorthand addresses into VISA resource strings:
// a bare host becomes TCPIP0::host::INSTR and host:port becomes a socket
// resource. Anything containing "::" is returned unchanged.
func NormalizeResource(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, "::") {
		return s
	}
	if host, port, err := net.SplitHostPort(s); err == nil && host != "" && port != "" {
		return fmt.Sprintf("TCPIP0::%s::%s::SOCKET", host, port)
	}
	if strings.ContainsAny(s, " /\\") {
		return s
	}
	return fmt.Sprintf("TCPIP0::%s::INSTR", s)
}

// Options tune Open.
type Options struct {
	// Resource overrides the default resource.
	Resource string
	// Timeout overrides the model's I/O timeout when positive.
	Timeout time.Duration
	// GPIBAddress overrides the model's GPIB address on bridge sessions.
	GPIBAddress int
	// Recorder, when set, traces every exchange.
	Recorder trace.Recorder
	Logger   *slog.Logger
	// Adapter options passed to the constructor.
	Adapter []adapter.Option
}

// Open builds the session for the named model and returns the unopened
// adapter.
func Open(name string, o Options) (adapter.IInstrument, error) {
	e, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return e.Open(o)
}

// Link returns the model's link settings with the overrides in o applied.
// A zero Timeout keeps the model's own.
func (e Entry) Link(o Options) transport.Settings {
	link := e.Model.Link
	if o.Timeout > 0 {
		link.Timeout = o.Timeout
	}
	if o.GPIBAddress > 0 {
		link.GPIBAddress = o.GPIBAddress
	}
	link.Logger = o.Logger
	return link
}

// Open builds the session for e and returns the unopened adapter.
func (e Entry) Open(o Options) (adapter.IInstrument, error) {
	res := NormalizeResource(o.Resource)
	if res == "" {
		res = e.DefaultResource()
	}
	sess, err := transport.New(res, e.Link(o))
	if err != nil {
		return nil, err
	}
	if o.Recorder != nil {
		sess = trace.Wrap(sess, o.Recorder)
	}
	opts := o.Adapter
	if o.Logger != nil {
		opts = append([]adapter.Option{adapter.WithLogger(o.Logger)}, opts...)
	}
	return e.New(sess, opts...), nil
}
